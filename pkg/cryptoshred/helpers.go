package cryptoshred

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/provara/provara/pkg/event"
)

// shredSigner matches event.Sign's first argument; named here so
// ShredEvent/ShredActor's signatures read as this package's own domain
// vocabulary rather than a raw crypto type.
type shredSigner = ed25519.PrivateKey

// appendActorEvent chains a new canonical-namespace event after actor's
// most recent event in log, signs it, and returns both the new event and
// the updated log. Mirrors pkg/rotation's helper of the same name.
func appendActorEvent(typ string, payload map[string]any, actor string, log []*event.Event, priv ed25519.PrivateKey, kid string) (*event.Event, []*event.Event, error) {
	var prevEventHash *string
	var tsLogical *int64
	var maxTS int64
	for _, e := range log {
		if e.Actor != actor {
			continue
		}
		id := e.EventID
		prevEventHash = &id
		if e.TSLogical != nil && *e.TSLogical > maxTS {
			maxTS = *e.TSLogical
		}
	}
	if prevEventHash != nil || maxTS > 0 {
		next := maxTS + 1
		tsLogical = &next
	}

	e := event.New(typ, string(event.NamespaceCanonical), actor, payload, prevEventHash, tsLogical)
	if err := e.Sign(priv, kid); err != nil {
		return nil, nil, fmt.Errorf("cryptoshred: sign %s: %w", typ, err)
	}
	return e, append(log, e), nil
}

func hex16(b []byte) string {
	return hex.EncodeToString(b)[:16]
}

func b64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func unb64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

func jsonMarshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func jsonUnmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
