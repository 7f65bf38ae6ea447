package ingress

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"agentrelay/internal/domain"
)

// Inbound is a gateway payload reduced to what the relay needs.
// HasMessage is false for recognized envelopes that carry no chat message.
type Inbound struct {
	EventType  string
	Token      string
	HasMessage bool

	ExternalID string
	RemoteID   string
	Text       string
	MediaURL   string
	Type       domain.MessageType
	FromMe     bool
	IsGroup    bool
	PushName   string
	Timestamp  time.Time
}

// --- nested ("event" + "data") payloads ---

type nestedPayload struct {
	Event string          `json:"event"`
	Token string          `json:"token"`
	Data  json.RawMessage `json:"data"`
}

type nestedData struct {
	Key *struct {
		RemoteJid string `json:"remoteJid"`
		FromMe    bool   `json:"fromMe"`
		ID        string `json:"id"`
	} `json:"key"`
	Message          *nestedMessage `json:"message"`
	PushName         string         `json:"pushName"`
	MessageTimestamp flexInt        `json:"messageTimestamp"`
}

type mediaMessage struct {
	Caption  string `json:"caption"`
	FileName string `json:"fileName"`
	URL      string `json:"url"`
}

type nestedMessage struct {
	Conversation        string `json:"conversation"`
	ExtendedTextMessage *struct {
		Text string `json:"text"`
	} `json:"extendedTextMessage"`
	ImageMessage    *mediaMessage `json:"imageMessage"`
	VideoMessage    *mediaMessage `json:"videoMessage"`
	AudioMessage    *mediaMessage `json:"audioMessage"`
	DocumentMessage *mediaMessage `json:"documentMessage"`
	StickerMessage  *mediaMessage `json:"stickerMessage"`
}

// --- flat ("token" + "message") payloads ---

type flatPayload struct {
	Token     string       `json:"token"`
	EventType string       `json:"EventType"`
	Message   *flatMessage `json:"message"`
}

type flatMessage struct {
	MessageID    string  `json:"messageid"`
	ID           string  `json:"id"`
	ChatID       string  `json:"chatid"`
	Sender       string  `json:"sender"`
	From         string  `json:"from"`
	Text         string  `json:"text"`
	Conversation string  `json:"conversation"`
	FromMe       bool    `json:"fromMe"`
	IsGroup      bool    `json:"isGroup"`
	SenderName   string  `json:"senderName"`
	MessageType  string  `json:"messageType"`
	MediaURL     string  `json:"mediaUrl"`
	Timestamp    flexInt `json:"messageTimestamp"`
}

// flexInt accepts a JSON number or a numeric string.
type flexInt int64

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		return nil
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	*f = flexInt(n)
	return nil
}

func (f flexInt) time() time.Time {
	switch {
	case f <= 0:
		return time.Time{}
	case f > 1e12: // milliseconds
		return time.UnixMilli(int64(f)).UTC()
	default:
		return time.Unix(int64(f), 0).UTC()
	}
}

// Normalize parses a webhook body in either supported shape. Anything that
// is not a JSON object of a known shape is a *domain.ValidationError.
func Normalize(body []byte) (*Inbound, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, &domain.ValidationError{Reason: "empty body"}
	}
	var top map[string]json.RawMessage
	if err := json.Unmarshal(body, &top); err != nil {
		return nil, &domain.ValidationError{Reason: "body is not a JSON object"}
	}

	switch {
	case isObject(top["data"]):
		return normalizeNested(body)
	case isObject(top["message"]):
		return normalizeFlat(body)
	case len(top["event"]) > 0 || len(top["EventType"]) > 0:
		var env struct {
			Event     string `json:"event"`
			EventType string `json:"EventType"`
			Token     string `json:"token"`
		}
		_ = json.Unmarshal(body, &env)
		return &Inbound{EventType: firstNonEmpty(env.Event, env.EventType), Token: env.Token}, nil
	}
	return nil, &domain.ValidationError{Reason: "unrecognized payload shape"}
}

func normalizeNested(body []byte) (*Inbound, error) {
	var p nestedPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, &domain.ValidationError{Reason: "malformed event payload: " + err.Error()}
	}
	var d nestedData
	if err := json.Unmarshal(p.Data, &d); err != nil {
		return nil, &domain.ValidationError{Reason: "malformed event data: " + err.Error()}
	}
	in := &Inbound{EventType: p.Event, Token: p.Token}
	if d.Key == nil {
		return in, nil
	}

	in.HasMessage = true
	in.ExternalID = d.Key.ID
	in.RemoteID = d.Key.RemoteJid
	in.FromMe = d.Key.FromMe
	in.IsGroup = isGroupJID(in.RemoteID)
	in.PushName = strings.TrimSpace(d.PushName)
	in.Timestamp = d.MessageTimestamp.time()
	in.Type, in.Text, in.MediaURL = extractNested(d.Message)
	return in, nil
}

func extractNested(m *nestedMessage) (domain.MessageType, string, string) {
	switch {
	case m == nil:
		return domain.TypeUnknown, "", ""
	case m.Conversation != "":
		return domain.TypeText, m.Conversation, ""
	case m.ExtendedTextMessage != nil && m.ExtendedTextMessage.Text != "":
		return domain.TypeText, m.ExtendedTextMessage.Text, ""
	case m.ImageMessage != nil:
		return domain.TypeImage, orPlaceholder(m.ImageMessage.Caption, domain.TypeImage), m.ImageMessage.URL
	case m.VideoMessage != nil:
		return domain.TypeVideo, orPlaceholder(m.VideoMessage.Caption, domain.TypeVideo), m.VideoMessage.URL
	case m.AudioMessage != nil:
		return domain.TypeAudio, placeholder(domain.TypeAudio), m.AudioMessage.URL
	case m.DocumentMessage != nil:
		return domain.TypeDocument, orPlaceholder(m.DocumentMessage.FileName, domain.TypeDocument), m.DocumentMessage.URL
	case m.StickerMessage != nil:
		return domain.TypeSticker, placeholder(domain.TypeSticker), m.StickerMessage.URL
	}
	return domain.TypeUnknown, "", ""
}

func normalizeFlat(body []byte) (*Inbound, error) {
	var p flatPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, &domain.ValidationError{Reason: "malformed message payload: " + err.Error()}
	}
	m := p.Message
	in := &Inbound{
		EventType:  firstNonEmpty(p.EventType, "messages"),
		Token:      p.Token,
		HasMessage: true,
		ExternalID: firstNonEmpty(m.MessageID, m.ID),
		RemoteID:   firstNonEmpty(m.ChatID, m.Sender, m.From),
		FromMe:     m.FromMe,
		PushName:   strings.TrimSpace(m.SenderName),
		MediaURL:   m.MediaURL,
		Timestamp:  m.Timestamp.time(),
	}
	in.IsGroup = m.IsGroup || isGroupJID(in.RemoteID)

	text := firstNonEmpty(m.Text, m.Conversation)
	in.Type = flatType(m.MessageType, text)
	if in.Type != domain.TypeText {
		text = orPlaceholder(text, in.Type)
	}
	in.Text = text
	return in, nil
}

func flatType(kind, text string) domain.MessageType {
	k := strings.ToLower(kind)
	switch {
	case strings.Contains(k, "image"):
		return domain.TypeImage
	case strings.Contains(k, "video"):
		return domain.TypeVideo
	case strings.Contains(k, "audio"), strings.Contains(k, "ptt"):
		return domain.TypeAudio
	case strings.Contains(k, "document"):
		return domain.TypeDocument
	case strings.Contains(k, "sticker"):
		return domain.TypeSticker
	case k == "", strings.Contains(k, "text"), strings.Contains(k, "conversation"):
		return domain.TypeText
	}
	if text != "" {
		return domain.TypeText
	}
	return domain.TypeUnknown
}

func placeholder(t domain.MessageType) string {
	return "[" + string(t) + "]"
}

func orPlaceholder(s string, t domain.MessageType) string {
	if strings.TrimSpace(s) != "" {
		return s
	}
	return placeholder(t)
}

func isGroupJID(jid string) bool {
	return strings.HasSuffix(jid, "@g.us") || strings.HasSuffix(jid, "@broadcast")
}

func isObject(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '{'
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
