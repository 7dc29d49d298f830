package deathbycaptcha

import (
	"encoding/json"
	"fmt"
)

// wireResponse is the superset of fields the provider returns on both
// transports. Field names mirror the wire schema exactly.
type wireResponse struct {
	Error     string          `json:"error"`
	Status    int             `json:"status"`
	Captcha   json.Number     `json:"captcha"`
	Text      json.RawMessage `json:"text"`
	IsCorrect *bool           `json:"is_correct"`
	User      json.Number     `json:"user"`
	Balance   json.Number     `json:"balance"`
	IsBanned  bool            `json:"is_banned"`
	Rate      float64         `json:"rate"`
}

// parseWire decodes a raw response body and surfaces any wire-level
// error as a classified error value.
func parseWire(body []byte) (*wireResponse, error) {
	var resp wireResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("deathbycaptcha: malformed response %q: %w", truncate(body, 200), err)
	}
	if err := classifyWireError(resp.Error); err != nil {
		return nil, err
	}
	return &resp, nil
}

// captchaRecord converts a wire response into a Captcha. A zero
// captcha id means the record does not exist for this account.
func (r *wireResponse) captchaRecord() (*Captcha, error) {
	id, _ := r.Captcha.Int64()
	if id == 0 {
		return nil, ErrNotFound
	}
	c := &Captcha{ID: id, Text: textString(r.Text)}
	if r.IsCorrect != nil {
		if *r.IsCorrect {
			c.Correctness = CorrectnessCorrect
		} else {
			c.Correctness = CorrectnessIncorrect
		}
	}
	return c, nil
}

// userRecord converts a wire response into a User snapshot. A zero
// user id means authentication failed.
func (r *wireResponse) userRecord() (*User, error) {
	id, _ := r.User.Int64()
	if id == 0 {
		return nil, fmt.Errorf("%w: unrecognized user", ErrAccessDenied)
	}
	balance, _ := r.Balance.Float64()
	return &User{
		ID:       id,
		Balance:  int(balance),
		IsBanned: r.IsBanned,
		Rate:     r.Rate,
	}, nil
}

// textString renders the "text" field as a string. Coordinate-style
// solutions arrive as JSON arrays and are passed through verbatim.
func textString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" || string(raw) == "false" {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	return string(raw)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
