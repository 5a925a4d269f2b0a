package waapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tidwall/gjson"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"

	"github.com/breakwater-travel/intake-cli/internal/model"
)

// SignatureHeader is the HTTP header WaAPI sends the webhook HMAC in.
const SignatureHeader = "X-Waapi-Hmac"

// EventMessage is the event type carrying an inbound chat message.
const EventMessage = "message"

// Sign computes the hex HMAC-SHA256 of payload under secret. Exported so
// webhook tests can produce valid signatures.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signatureHeader matches the payload HMAC
// in constant time. An empty header never verifies.
func VerifySignature(payload []byte, signatureHeader, secret string) bool {
	if signatureHeader == "" {
		return false
	}
	expected := Sign(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signatureHeader))
}

// EventType returns the webhook event name, empty when absent.
func EventType(raw []byte) string {
	return gjson.GetBytes(raw, "event").String()
}

// ParseWebhookMessage builds a ChatMessage from WaAPI webhook JSON. Field
// locations vary across WaAPI versions, so each value is probed from the
// known spellings. The returned message carries no inquiry id yet.
func ParseWebhookMessage(raw []byte) (*model.ChatMessage, error) {
	if !gjson.ValidBytes(raw) {
		return nil, eris.New("waapi: webhook payload is not valid JSON")
	}

	msg := gjson.GetBytes(raw, "message")
	if !msg.Exists() {
		msg = gjson.GetBytes(raw, "data.message")
	}
	if !msg.Exists() {
		return nil, eris.New("waapi: webhook payload has no message object")
	}

	id := firstString(msg, "id._serialized", "id")
	chatID := firstString(msg, "chatId", "from")
	if id == "" || chatID == "" {
		return nil, eris.Errorf("waapi: message missing id or chat id (id=%q chat=%q)", id, chatID)
	}

	out := &model.ChatMessage{
		ID:            id,
		ChatID:        chatID,
		SenderNumber:  firstString(msg, "author", "from"),
		FromMe:        msg.Get("fromMe").Bool() || msg.Get("id.fromMe").Bool(),
		MessageType:   firstString(msg, "type"),
		Body:          msg.Get("body").String(),
		MediaURL:      firstString(msg, "mediaUrl", "media.url"),
		MediaMimeType: firstString(msg, "mimetype", "media.mimetype"),
		MediaCaption:  firstString(msg, "caption", "media.caption"),
		MediaFilename: firstString(msg, "filename", "media.filename"),
	}
	if out.MessageType == "" {
		out.MessageType = "chat"
	}

	if ts := msg.Get("timestamp"); ts.Exists() {
		out.SentAt = epochTime(ts.Int())
	}

	loc, err := locationGeoJSON(msg)
	if err != nil {
		return nil, err
	}
	out.Location = loc

	return out, nil
}

// firstString returns the first probe path holding a non-empty scalar
// string. Objects (like a structured id missing its _serialized form) do
// not count.
func firstString(v gjson.Result, paths ...string) string {
	for _, p := range paths {
		if r := v.Get(p); r.Type == gjson.String && r.Str != "" {
			return r.Str
		}
	}
	return ""
}

// msTimestampFloor separates second epochs from millisecond ones; values
// above it can only be milliseconds.
const msTimestampFloor int64 = 1e11

func epochTime(ts int64) time.Time {
	if ts <= 0 {
		return time.Time{}
	}
	if ts > msTimestampFloor {
		return time.UnixMilli(ts).UTC()
	}
	return time.Unix(ts, 0).UTC()
}

// locationGeoJSON encodes a location message's point as GeoJSON, longitude
// before latitude in the coordinate pair. Messages without coordinates
// return "".
func locationGeoJSON(msg gjson.Result) (string, error) {
	loc := msg.Get("location")
	if !loc.Exists() {
		return "", nil
	}
	lat := loc.Get("latitude")
	lng := loc.Get("longitude")
	if !lat.Exists() || !lng.Exists() {
		return "", nil
	}

	point := geom.NewPointFlat(geom.XY, []float64{lng.Float(), lat.Float()}).SetSRID(4326)
	data, err := geojson.Marshal(point)
	if err != nil {
		return "", eris.Wrap(err, "waapi: encode location")
	}
	return string(data), nil
}
