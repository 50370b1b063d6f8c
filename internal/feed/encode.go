package feed

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/caesar-terminal/l2book/internal/book"
)

type snapshotMessage struct {
	Type      string      `json:"type"`
	ProductID string      `json:"product_id"`
	Bids      [][2]string `json:"bids"`
	Asks      [][2]string `json:"asks"`
}

type updateMessage struct {
	Type      string      `json:"type"`
	ProductID string      `json:"product_id"`
	Time      string      `json:"time,omitempty"`
	Changes   [][3]string `json:"changes"`
}

// Encode renders an event in the wire format accepted by Decode. Decimals
// are written in canonical form, so "1.50" comes back as "1.5"; values
// survive a round trip, their original text does not.
func Encode(ev book.Event) ([]byte, error) {
	switch e := ev.(type) {
	case book.Snapshot:
		return json.Marshal(snapshotMessage{
			Type:      TypeSnapshot,
			ProductID: e.ProductID,
			Bids:      encodeLevels(e.Bids),
			Asks:      encodeLevels(e.Asks),
		})
	case book.Update:
		msg := updateMessage{
			Type:      TypeL2Update,
			ProductID: e.ProductID,
			Changes:   make([][3]string, 0, len(e.Changes)),
		}
		if !e.Time.IsZero() {
			msg.Time = e.Time.UTC().Format(time.RFC3339Nano)
		}
		for _, c := range e.Changes {
			name, err := wireSide(c.Side)
			if err != nil {
				return nil, err
			}
			msg.Changes = append(msg.Changes, [3]string{name, c.Price.String(), c.Size.String()})
		}
		return json.Marshal(msg)
	default:
		return nil, fmt.Errorf("feed: cannot encode %T", ev)
	}
}

func encodeLevels(levels []book.PriceLevel) [][2]string {
	out := make([][2]string, 0, len(levels))
	for _, l := range levels {
		out = append(out, [2]string{l.Price.String(), l.Size.String()})
	}
	return out
}

func wireSide(s book.Side) (string, error) {
	switch s {
	case book.Bid:
		return SideBuy, nil
	case book.Ask:
		return SideSell, nil
	default:
		return "", fmt.Errorf("feed: cannot encode side %d", s)
	}
}
