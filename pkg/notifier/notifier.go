// Package notifier contains the core domain types for the movie showtime notification service.
package notifier

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// ErrSnapshotNotFound is returned by showing caches when no snapshot exists for a movie.
var ErrSnapshotNotFound = errors.New("snapshot not found")

// ErrUserNotFound is returned by user directories for unknown user ids.
var ErrUserNotFound = errors.New("user not found")

// FilterOption is a ternary preference for a single showing attribute.
type FilterOption string

// Filter options.
const (
	Yes          FilterOption = "YES"
	No           FilterOption = "NO"
	NoPreference FilterOption = "NOPREFERENCE"
)

// Valid reports whether o is one of the three known options.
func (o FilterOption) Valid() bool {
	switch o {
	case Yes, No, NoPreference:
		return true
	default:
		return false
	}
}

// UnmarshalJSON decodes an option, treating an empty value as NoPreference.
func (o *FilterOption) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("decode filter option: %w", err)
	}
	opt := FilterOption(strings.ToUpper(strings.TrimSpace(s)))
	if opt == "" {
		opt = NoPreference
	}
	if !opt.Valid() {
		return fmt.Errorf("unknown filter option %q", s)
	}
	*o = opt
	return nil
}

// MatchesOption reports whether an observed attribute satisfies a preference.
// A nil actual means the provider did not report the attribute and never disqualifies.
func MatchesOption(expected FilterOption, actual *bool) bool {
	if actual == nil {
		return true
	}
	switch expected {
	case Yes:
		return *actual
	case No:
		return !*actual
	default:
		return true
	}
}

// Attribute identifies one screening format attribute.
type Attribute int

// Screening attributes, in evaluation and rendering order.
const (
	Attr3D Attribute = iota
	AttrIMAX
	AttrOV
	AttrNL
	AttrHFR
	AttrAtmos
	Attr4K
	AttrLaser
	Attr4DX
	AttrDolbyCinema

	numAttributes
)

var attributeLabels = [numAttributes]string{
	Attr3D:          "3D",
	AttrIMAX:        "IMAX",
	AttrOV:          "OV",
	AttrNL:          "NL",
	AttrHFR:         "HFR",
	AttrAtmos:       "Dolby Atmos",
	Attr4K:          "4K",
	AttrLaser:       "Laser",
	Attr4DX:         "4DX",
	AttrDolbyCinema: "Dolby Cinema",
}

// Attributes lists every screening attribute.
func Attributes() []Attribute {
	attrs := make([]Attribute, numAttributes)
	for i := range attrs {
		attrs[i] = Attribute(i)
	}
	return attrs
}

func (a Attribute) String() string {
	if a < 0 || a >= numAttributes {
		return fmt.Sprintf("Attribute(%d)", int(a))
	}
	return attributeLabels[a]
}

// FilterSet holds a watcher's criteria.
type FilterSet struct {
	CinemaID    string       `json:"cinemaid" bson:"cinemaid"`
	StartAfter  int64        `json:"startafter" bson:"startafter"`   // epoch millis, inclusive
	StartBefore int64        `json:"startbefore" bson:"startbefore"` // epoch millis, inclusive
	D3          FilterOption `json:"d3" bson:"d3"`
	IMAX        FilterOption `json:"imax" bson:"imax"`
	OV          FilterOption `json:"ov" bson:"ov"`
	NL          FilterOption `json:"nl" bson:"nl"`
	HFR         FilterOption `json:"hfr" bson:"hfr"`
	Atmos       FilterOption `json:"dolbyatmos" bson:"dolbyatmos"`
	K4          FilterOption `json:"k4" bson:"k4"`
	Laser       FilterOption `json:"laser" bson:"laser"`
	DX4         FilterOption `json:"dx4" bson:"dx4"`
	DolbyCinema FilterOption `json:"dolbycinema" bson:"dolbycinema"`
}

// Option returns the preference for a.
func (f *FilterSet) Option(a Attribute) FilterOption {
	switch a {
	case Attr3D:
		return f.D3
	case AttrIMAX:
		return f.IMAX
	case AttrOV:
		return f.OV
	case AttrNL:
		return f.NL
	case AttrHFR:
		return f.HFR
	case AttrAtmos:
		return f.Atmos
	case Attr4K:
		return f.K4
	case AttrLaser:
		return f.Laser
	case Attr4DX:
		return f.DX4
	case AttrDolbyCinema:
		return f.DolbyCinema
	default:
		return NoPreference
	}
}

// Watcher is a user's standing request to be notified about showings of one movie.
type Watcher struct {
	ID       string    `json:"id" bson:"_id"`
	UserID   string    `json:"userid" bson:"userid"`
	MovieID  int       `json:"movieid" bson:"movieid"`
	Name     string    `json:"name" bson:"name"`
	Filters  FilterSet `json:"filters" bson:"filters"`
	Disabled bool      `json:"disabled,omitempty" bson:"disabled,omitempty"`
}

// Showing is one scheduled screening. Attribute fields are nil when the provider did not report them.
type Showing struct {
	ID          string `json:"id"`
	MovieID     int    `json:"movie_id"`
	CinemaID    string `json:"cinema_id"`
	StartTime   int64  `json:"start_time"` // epoch millis
	D3          *bool  `json:"is_3d,omitempty"`
	IMAX        *bool  `json:"imax,omitempty"`
	OV          *bool  `json:"ov,omitempty"`
	NL          *bool  `json:"nl,omitempty"`
	HFR         *bool  `json:"hfr,omitempty"`
	Atmos       *bool  `json:"atmos,omitempty"`
	K4          *bool  `json:"is_4k,omitempty"`
	Laser       *bool  `json:"laser,omitempty"`
	DX4         *bool  `json:"is_4dx,omitempty"`
	DolbyCinema *bool  `json:"dolby_cinema,omitempty"`
}

// Flag returns the observed value of a, or nil when unknown.
func (s *Showing) Flag(a Attribute) *bool {
	switch a {
	case Attr3D:
		return s.D3
	case AttrIMAX:
		return s.IMAX
	case AttrOV:
		return s.OV
	case AttrNL:
		return s.NL
	case AttrHFR:
		return s.HFR
	case AttrAtmos:
		return s.Atmos
	case Attr4K:
		return s.K4
	case AttrLaser:
		return s.Laser
	case Attr4DX:
		return s.DX4
	case AttrDolbyCinema:
		return s.DolbyCinema
	default:
		return nil
	}
}

// Start returns the start time as a time.Time.
func (s *Showing) Start() time.Time {
	return time.UnixMilli(s.StartTime)
}

// MovieSchedule is the full result of one fetch for one movie.
type MovieSchedule struct {
	MovieID  int
	Showings []*Showing
}

// IDs returns the showing ids of the schedule in schedule order.
func (m *MovieSchedule) IDs() []string {
	ids := make([]string, 0, len(m.Showings))
	for _, s := range m.Showings {
		ids = append(ids, s.ID)
	}
	return ids
}

// ScheduleSnapshot is the persisted set of showing ids last observed for a movie.
type ScheduleSnapshot struct {
	UpdatedAt  time.Time `json:"updated_at" bson:"updated_at"`
	ShowingIDs []string  `json:"showing_ids" bson:"showingids"`
	MovieID    int       `json:"movie_id" bson:"_id"`
}

// IDSet returns the snapshot ids as a set.
func (s *ScheduleSnapshot) IDSet() map[string]struct{} {
	set := make(map[string]struct{}, len(s.ShowingIDs))
	for _, id := range s.ShowingIDs {
		set[id] = struct{}{}
	}
	return set
}

// User is a notification recipient.
type User struct {
	ID            string   `json:"id" bson:"_id"`
	Name          string   `json:"name" bson:"name"`
	Email         string   `json:"email" bson:"email"`
	PhoneNumber   string   `json:"phonenumber" bson:"phonenumber"`
	PushTopic     string   `json:"pushtopic,omitempty" bson:"pushtopic,omitempty"`
	Notifications []string `json:"notifications" bson:"notifications"` // Enabled channel ids
}
