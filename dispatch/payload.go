// Package dispatch sends outbound content through the live platform session
// and records every attempt in the outbound message store.
//
// A send passes four gates in order: session connected, payload well-formed,
// destination normalized, rate limit admitted. Only then is the platform
// client invoked, wrapped in the bounded retry executor.
package dispatch

import (
	"fmt"

	"github.com/fernandinhomartins40/ferraco-sub000/connector"
	"github.com/fernandinhomartins40/ferraco-sub000/ratelimit"
)

// Kind enumerates the payload kinds the platform accepts.
type Kind string

const (
	KindText     Kind = "text"
	KindImage    Kind = "image"
	KindVideo    Kind = "video"
	KindAudio    Kind = "audio"
	KindFile     Kind = "file"
	KindLocation Kind = "location"
	KindContact  Kind = "contact"
	KindList     Kind = "list"
	KindPoll     Kind = "poll"
)

// maxOptions is the platform ceiling on list rows and poll choices.
const maxOptions = 12

// Payload is one unit of outbound content. Exactly the field matching Kind
// must be set; Validate enforces shape before any platform call.
type Payload struct {
	Kind     Kind                   `json:"kind"`
	Text     string                 `json:"text,omitempty"`
	Media    *connector.Media       `json:"media,omitempty"`
	Location *connector.Location    `json:"location,omitempty"`
	Contact  *connector.ContactCard `json:"contact,omitempty"`
	List     *connector.ListMessage `json:"list,omitempty"`
	Poll     *connector.Poll        `json:"poll,omitempty"`
}

// Category maps the payload kind onto its rate-limit class. Binary media
// is throttled harder than plain messages; interactive messages ride the
// message class.
func (p Payload) Category() ratelimit.Category {
	switch p.Kind {
	case KindImage, KindVideo, KindAudio, KindFile:
		return ratelimit.CategoryMedia
	default:
		return ratelimit.CategoryMessage
	}
}

// Validate checks the payload shape. Failures are permanent caller errors.
func (p Payload) Validate() error {
	switch p.Kind {
	case KindText:
		if p.Text == "" {
			return &ErrInvalidPayload{Kind: p.Kind, Reason: "empty text"}
		}
	case KindImage, KindVideo, KindAudio, KindFile:
		if p.Media == nil || len(p.Media.Data) == 0 {
			return &ErrInvalidPayload{Kind: p.Kind, Reason: "empty media data"}
		}
		if p.Media.MimeType == "" {
			return &ErrInvalidPayload{Kind: p.Kind, Reason: "missing mime type"}
		}
	case KindLocation:
		if p.Location == nil {
			return &ErrInvalidPayload{Kind: p.Kind, Reason: "missing location"}
		}
		if p.Location.Latitude < -90 || p.Location.Latitude > 90 {
			return &ErrInvalidPayload{Kind: p.Kind,
				Reason: fmt.Sprintf("latitude %v out of range", p.Location.Latitude)}
		}
		if p.Location.Longitude < -180 || p.Location.Longitude > 180 {
			return &ErrInvalidPayload{Kind: p.Kind,
				Reason: fmt.Sprintf("longitude %v out of range", p.Location.Longitude)}
		}
	case KindContact:
		if p.Contact == nil || p.Contact.Phone == "" {
			return &ErrInvalidPayload{Kind: p.Kind, Reason: "missing contact phone"}
		}
	case KindList:
		if p.List == nil || len(p.List.Options) == 0 {
			return &ErrInvalidPayload{Kind: p.Kind, Reason: "list has no options"}
		}
		if len(p.List.Options) > maxOptions {
			return &ErrInvalidPayload{Kind: p.Kind,
				Reason: fmt.Sprintf("list has %d options, platform maximum is %d",
					len(p.List.Options), maxOptions)}
		}
	case KindPoll:
		if p.Poll == nil || p.Poll.Question == "" {
			return &ErrInvalidPayload{Kind: p.Kind, Reason: "poll has no question"}
		}
		if len(p.Poll.Options) < 2 {
			return &ErrInvalidPayload{Kind: p.Kind, Reason: "poll needs at least 2 options"}
		}
		if len(p.Poll.Options) > maxOptions {
			return &ErrInvalidPayload{Kind: p.Kind,
				Reason: fmt.Sprintf("poll has %d options, platform maximum is %d",
					len(p.Poll.Options), maxOptions)}
		}
	default:
		return &ErrInvalidPayload{Kind: p.Kind, Reason: "unknown payload kind"}
	}
	return nil
}
