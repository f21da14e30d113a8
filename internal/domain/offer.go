package domain

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/pion/sdp/v3"
)

const SDPTypeAnswer = "answer"

var (
	ErrOfferFieldMissing = errors.New("offer field missing")
	ErrOfferFieldInvalid = errors.New("offer field invalid")
	ErrOfferMalformedSDP = errors.New("offer sdp malformed")
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Offer is the payload a client posts to start a session.
type Offer struct {
	SDP    string `json:"sdp" validate:"required"`
	Type   string `json:"type" validate:"required,eq=offer"`
	// UserID is not checked beyond presence; an empty string counts as absent.
	UserID UserID `json:"user_id" validate:"required"`

	// Client identifies the caller for rate limiting; filled by adapters.
	Client string `json:"-"`
}

// Answer is returned to the client once the local description is set.
type Answer struct {
	SDP  string `json:"sdp"`
	Type string `json:"type"`
}

// Validate checks field presence and that the SDP parses. It returns the
// media kinds ("audio", "video", "application") found in the offer.
func (o *Offer) Validate() ([]string, error) {
	if err := validate.Struct(o); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			if fe.Tag() == "required" {
				return nil, fmt.Errorf("%w: %s", ErrOfferFieldMissing, fe.Field())
			}
			return nil, fmt.Errorf("%w: %s (%s)", ErrOfferFieldInvalid, fe.Field(), fe.Tag())
		}
		return nil, fmt.Errorf("%w: %v", ErrOfferFieldMissing, err)
	}

	var desc sdp.SessionDescription
	if err := desc.UnmarshalString(o.SDP); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOfferMalformedSDP, err)
	}
	kinds := make([]string, 0, len(desc.MediaDescriptions))
	for _, md := range desc.MediaDescriptions {
		kinds = append(kinds, md.MediaName.Media)
	}
	return kinds, nil
}
