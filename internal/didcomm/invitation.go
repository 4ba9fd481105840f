package didcomm

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var ErrInvalidInvitation = errors.New("invalid invitation")

type Invitation struct {
	Header
	Label           string   `json:"label"`
	RecipientKeys   []string `json:"recipientKeys"`
	ServiceEndpoint string   `json:"serviceEndpoint"`
	RoutingKeys     []string `json:"routingKeys"`
}

func NewInvitation(label, verkey, endpoint string) Invitation {
	return Invitation{
		Header:          NewHeader(TypeInvitation),
		Label:           label,
		RecipientKeys:   []string{verkey},
		ServiceEndpoint: endpoint,
		RoutingKeys:     []string{},
	}
}

// Key returns the first recipient key as a base58 verkey.
func (i Invitation) Key() (string, error) {
	if len(i.RecipientKeys) == 0 {
		return "", fmt.Errorf("%w: no recipient keys", ErrInvalidInvitation)
	}
	return NormalizeVerkey(i.RecipientKeys[0])
}

func (i Invitation) Validate() error {
	if short := i.ShortType(); short != TypeInvitation {
		return fmt.Errorf("%w: unexpected type %q", ErrInvalidInvitation, i.Type)
	}
	if _, err := i.Key(); err != nil {
		return err
	}
	if strings.TrimSpace(i.ServiceEndpoint) == "" {
		return fmt.Errorf("%w: missing serviceEndpoint", ErrInvalidInvitation)
	}
	return nil
}

// URL renders the invitation as endpoint?c_i=<base64url(json)>.
func (i Invitation) URL() (string, error) {
	payload, err := json.Marshal(i)
	if err != nil {
		return "", err
	}
	base := i.ServiceEndpoint
	separator := "?"
	if strings.Contains(base, "?") {
		separator = "&"
	}
	return base + separator + "c_i=" + base64.URLEncoding.EncodeToString(payload), nil
}

// ParseInvitationURL accepts an invitation URL or the bare c_i value.
func ParseInvitationURL(raw string) (Invitation, error) {
	raw = strings.TrimSpace(raw)
	encoded := raw
	if strings.Contains(raw, "c_i=") {
		parsed, err := url.Parse(raw)
		if err != nil {
			return Invitation{}, fmt.Errorf("%w: %w", ErrInvalidInvitation, err)
		}
		encoded = parsed.Query().Get("c_i")
		if encoded == "" {
			// Some agents do not escape the padding characters.
			encoded = raw[strings.Index(raw, "c_i=")+len("c_i="):]
		}
	}
	payload, err := decodeBase64(encoded)
	if err != nil {
		return Invitation{}, fmt.Errorf("%w: %w", ErrInvalidInvitation, err)
	}
	var invitation Invitation
	if err := json.Unmarshal(payload, &invitation); err != nil {
		return Invitation{}, fmt.Errorf("%w: %w", ErrInvalidInvitation, err)
	}
	if err := invitation.Validate(); err != nil {
		return Invitation{}, err
	}
	return invitation, nil
}

func decodeBase64(value string) ([]byte, error) {
	value = strings.TrimSpace(value)
	encodings := []*base64.Encoding{
		base64.URLEncoding,
		base64.RawURLEncoding,
		base64.StdEncoding,
		base64.RawStdEncoding,
	}
	var lastErr error
	for _, encoding := range encodings {
		decoded, err := encoding.DecodeString(value)
		if err == nil {
			return decoded, nil
		}
		lastErr = err
	}
	return nil, lastErr
}
