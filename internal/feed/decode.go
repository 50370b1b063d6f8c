// Package feed decodes Level 2 market-data messages into book events.
//
// Wire format:
//
//	{"type":"snapshot","product_id":"BTC-USD","bids":[["100","1"]],"asks":[["101","1"]]}
//	{"type":"l2update","product_id":"BTC-USD","time":"...","changes":[["buy","100","0"]]}
//
// Prices and sizes are decoded straight from their text into exact
// decimals. Decoding has no side effects.
package feed

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/caesar-terminal/l2book/internal/book"
	"github.com/shopspring/decimal"
)

// Message type discriminants.
const (
	TypeSnapshot = "snapshot"
	TypeL2Update = "l2update"
)

// Wire side names.
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// Kind classifies a decode failure.
type Kind uint8

const (
	Malformed Kind = iota + 1
	UnknownType
	SchemaViolation
)

func (k Kind) String() string {
	switch k {
	case Malformed:
		return "malformed"
	case UnknownType:
		return "unknown_type"
	case SchemaViolation:
		return "schema_violation"
	default:
		return "unknown"
	}
}

// Limits on a single price or size. Values outside them are schema
// violations.
const (
	maxDecimalLen   = 64
	maxDecimalScale = 30
)

// Sentinel errors matched by DecodeError.Is.
var (
	ErrMalformed       = errors.New("malformed message")
	ErrUnknownType     = errors.New("unknown message type")
	ErrSchemaViolation = errors.New("schema violation")
)

// DecodeError is returned by Decode for every rejected message.
type DecodeError struct {
	Kind   Kind
	Type   string // discriminant, when one was read
	Reason string
	Err    error // underlying cause, may be nil
}

func (e *DecodeError) Error() string {
	msg := "feed: " + e.Kind.String()
	if e.Type != "" {
		msg += " (" + e.Type + ")"
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Is lets errors.Is match on the Kind sentinels.
func (e *DecodeError) Is(target error) bool {
	switch target {
	case ErrMalformed:
		return e.Kind == Malformed
	case ErrUnknownType:
		return e.Kind == UnknownType
	case ErrSchemaViolation:
		return e.Kind == SchemaViolation
	}
	return false
}

// KindOf returns the Kind of a decode error, or 0 if err is not one.
func KindOf(err error) Kind {
	var de *DecodeError
	if errors.As(err, &de) {
		return de.Kind
	}
	return 0
}

// wireMessage is the union of both message shapes. Level arrays are kept
// raw so that shape errors can be told apart from syntax errors.
type wireMessage struct {
	Type      *string         `json:"type"`
	ProductID *string         `json:"product_id"`
	Time      *string         `json:"time"`
	Bids      json.RawMessage `json:"bids"`
	Asks      json.RawMessage `json:"asks"`
	Changes   json.RawMessage `json:"changes"`
}

// rawEnvelope is used for discriminant detection before full parsing.
type rawEnvelope struct {
	Type string `json:"type"`
}

// PeekType returns the type discriminant without decoding the payload.
func PeekType(raw []byte) (string, error) {
	var env rawEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", unmarshalError(err)
	}
	return env.Type, nil
}

// unmarshalError separates syntax errors from well-formed JSON whose
// fields have the wrong type.
func unmarshalError(err error) *DecodeError {
	var te *json.UnmarshalTypeError
	if errors.As(err, &te) && te.Field != "" {
		return &DecodeError{
			Kind:   SchemaViolation,
			Reason: fmt.Sprintf("%s: want %s, got %s", te.Field, te.Type, te.Value),
			Err:    err,
		}
	}
	return &DecodeError{Kind: Malformed, Err: err}
}

// Decode parses raw into a book.Snapshot or book.Update.
func Decode(raw []byte) (book.Event, error) {
	var msg wireMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, unmarshalError(err)
	}
	if msg.Type == nil {
		return nil, &DecodeError{Kind: SchemaViolation, Reason: "missing type"}
	}

	typ := *msg.Type
	switch typ {
	case TypeSnapshot, TypeL2Update:
	default:
		return nil, &DecodeError{Kind: UnknownType, Type: typ}
	}

	if msg.ProductID == nil || *msg.ProductID == "" {
		return nil, schemaError(typ, "missing product_id", nil)
	}

	if typ == TypeSnapshot {
		snap, err := decodeSnapshot(*msg.ProductID, msg)
		if err != nil {
			return nil, err
		}
		return snap, nil
	}
	u, err := decodeUpdate(*msg.ProductID, msg)
	if err != nil {
		return nil, err
	}
	return u, nil
}

func decodeSnapshot(productID string, msg wireMessage) (book.Snapshot, error) {
	bids, err := decodeLevels(msg.Bids)
	if err != nil {
		return book.Snapshot{}, schemaError(TypeSnapshot, "bids", err)
	}
	asks, err := decodeLevels(msg.Asks)
	if err != nil {
		return book.Snapshot{}, schemaError(TypeSnapshot, "asks", err)
	}
	return book.Snapshot{ProductID: productID, Bids: bids, Asks: asks}, nil
}

func decodeUpdate(productID string, msg wireMessage) (book.Update, error) {
	u := book.Update{ProductID: productID}

	if msg.Time != nil && *msg.Time != "" {
		ts, err := time.Parse(time.RFC3339Nano, *msg.Time)
		if err != nil {
			return book.Update{}, schemaError(TypeL2Update, "time", err)
		}
		u.Time = ts
	}

	rows, err := decodeRows(msg.Changes)
	if err != nil {
		return book.Update{}, schemaError(TypeL2Update, "changes", err)
	}

	u.Changes = make([]book.Change, 0, len(rows))
	for i, row := range rows {
		if len(row) != 3 {
			return book.Update{}, schemaError(TypeL2Update, fmt.Sprintf("changes[%d]", i),
				fmt.Errorf("want 3 fields, got %d", len(row)))
		}
		var sideName string
		if err := json.Unmarshal(row[0], &sideName); err != nil {
			return book.Update{}, schemaError(TypeL2Update, fmt.Sprintf("changes[%d] side", i), err)
		}
		var sd book.Side
		switch sideName {
		case SideBuy:
			sd = book.Bid
		case SideSell:
			sd = book.Ask
		default:
			return book.Update{}, schemaError(TypeL2Update, fmt.Sprintf("changes[%d] side", i),
				fmt.Errorf("unknown side %q", sideName))
		}
		price, err := decodeDecimal(row[1])
		if err != nil {
			return book.Update{}, schemaError(TypeL2Update, fmt.Sprintf("changes[%d] price", i), err)
		}
		size, err := decodeDecimal(row[2])
		if err != nil {
			return book.Update{}, schemaError(TypeL2Update, fmt.Sprintf("changes[%d] size", i), err)
		}
		u.Changes = append(u.Changes, book.Change{Side: sd, Price: price, Size: size})
	}
	return u, nil
}

func decodeLevels(raw json.RawMessage) ([]book.PriceLevel, error) {
	rows, err := decodeRows(raw)
	if err != nil {
		return nil, err
	}
	levels := make([]book.PriceLevel, 0, len(rows))
	for i, row := range rows {
		if len(row) != 2 {
			return nil, fmt.Errorf("level %d: want [price, size], got %d fields", i, len(row))
		}
		price, err := decodeDecimal(row[0])
		if err != nil {
			return nil, fmt.Errorf("level %d price: %w", i, err)
		}
		size, err := decodeDecimal(row[1])
		if err != nil {
			return nil, fmt.Errorf("level %d size: %w", i, err)
		}
		levels = append(levels, book.PriceLevel{Price: price, Size: size})
	}
	return levels, nil
}

func decodeRows(raw json.RawMessage) ([][]json.RawMessage, error) {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, errors.New("missing")
	}
	var rows [][]json.RawMessage
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// decodeDecimal accepts a JSON string or a bare JSON number and parses its
// exact text. Negative values, overlong text and exponents beyond
// maxDecimalScale are rejected.
func decodeDecimal(raw json.RawMessage) (decimal.Decimal, error) {
	text := string(raw)
	if len(raw) > 0 && raw[0] == '"' {
		if err := json.Unmarshal(raw, &text); err != nil {
			return decimal.Decimal{}, err
		}
	}
	if len(text) > maxDecimalLen {
		return decimal.Decimal{}, fmt.Errorf("decimal longer than %d characters", maxDecimalLen)
	}
	v, err := decimal.NewFromString(text)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("not a decimal: %q", text)
	}
	if exp := v.Exponent(); exp < -maxDecimalScale || exp > maxDecimalScale {
		return decimal.Decimal{}, fmt.Errorf("exponent %d out of range in %q", exp, text)
	}
	if v.IsNegative() {
		return decimal.Decimal{}, fmt.Errorf("negative value %s", text)
	}
	return v, nil
}

func schemaError(typ, reason string, err error) *DecodeError {
	return &DecodeError{Kind: SchemaViolation, Type: typ, Reason: reason, Err: err}
}
