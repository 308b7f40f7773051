/*
	Timelinize
	Copyright (c) 2013 Matthew Holt

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU Affero General Public License as published
	by the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU Affero General Public License for more details.

	You should have received a copy of the GNU Affero General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package mira

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/benbjohnson/clock"
	"github.com/mira-gis/mira/geocode"
	"go.uber.org/zap"
)

// AssignState is the state of the geo-assignment workflow.
type AssignState string

// Geo-assignment states.
const (
	AssignIdle      AssignState = "idle"
	AssignArmed     AssignState = "armed"
	AssignPending   AssignState = "pending"
	AssignEntryOpen AssignState = "entry_open"
)

// Errors returned by the geo-assignment workflow.
var (
	ErrNoTarget     = errors.New("no media record selected")
	ErrInvalidState = errors.New("operation not allowed in the current assignment state")
	ErrNoSuchResult = errors.New("no such search result")
)

// ReverseGeocoder resolves a point to an address.
type ReverseGeocoder interface {
	Reverse(ctx context.Context, lat, lng float64) (geocode.Address, error)
}

// PlaceSearcher resolves a free-text query to candidate places.
type PlaceSearcher interface {
	Search(ctx context.Context, query string, limit int) ([]geocode.Place, error)
}

// ZoneLookup finds the time zone of a point.
type ZoneLookup interface {
	Zone(lat, lng float64) (string, error)
}

// Point is a coordinate pair.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// PendingLocation is a point clicked on the map, awaiting confirmation.
type PendingLocation struct {
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	Address   string  `json:"address,omitempty"`
	Resolving bool    `json:"resolving"`
	TimeZone  string  `json:"time_zone,omitempty"`
}

// EntryForm is the state of the manual coordinate entry form.
type EntryForm struct {
	LatText    string `json:"lat_text"`
	LngText    string `json:"lng_text"`
	QuickPaste string `json:"quick_paste"`
	Query      string `json:"query"`
}

// AssignView is a snapshot of the workflow for rendering.
type AssignView struct {
	State     AssignState      `json:"state"`
	TargetID  string           `json:"target_id,omitempty"`
	Pending   *PendingLocation `json:"pending,omitempty"`
	Preview   *Point           `json:"preview,omitempty"`
	Entry     *EntryForm       `json:"entry,omitempty"`
	Results   []geocode.Place  `json:"results,omitempty"`
	Searching bool             `json:"searching"`
}

// AssignerOptions configures an Assigner. All collaborators are optional.
type AssignerOptions struct {
	Geocoder ReverseGeocoder
	Searcher PlaceSearcher
	Zones    ZoneLookup
	Clock    clock.Clock

	// SearchDebounce is how long the search query must stay unchanged
	// before a search is issued. Default 600ms.
	SearchDebounce time.Duration

	// SearchLimit is the maximum number of search results. Default 5.
	SearchLimit int
}

// DefaultSearchDebounce is the default quiet period before a place search.
const DefaultSearchDebounce = 600 * time.Millisecond

// minSearchQueryLen is one more than the longest query that is not searched.
const minSearchQueryLen = 4

// Assigner is the workflow by which an operator assigns coordinates to a
// record that has none (or wrong ones): either by arming map-click mode,
// clicking a point and confirming it, or by entering coordinates in a form
// (typed, pasted, or picked from a place search).
//
// Arming or opening the form locks the currently selected record as the
// target; later selection changes do not affect where coordinates go.
type Assigner struct {
	store *Store
	opts  AssignerOptions
	log   *zap.Logger

	ctx       context.Context
	cancelCtx context.CancelFunc
	wg        sync.WaitGroup

	mu           sync.Mutex
	state        AssignState
	target       string
	pending      *PendingLocation
	preview      *Point
	entry        EntryForm
	results      []geocode.Place
	searching    bool
	lookupSeq    uint64
	lookupCancel context.CancelFunc
	searchSeq    uint64
	searchTimer  *clock.Timer
}

// NewAssigner returns an idle workflow operating on store.
func NewAssigner(logger *zap.Logger, store *Store, opts AssignerOptions) *Assigner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.SearchDebounce <= 0 {
		opts.SearchDebounce = DefaultSearchDebounce
	}
	if opts.SearchLimit <= 0 {
		opts.SearchLimit = geocode.DefaultSearchLimit
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Assigner{
		store:     store,
		opts:      opts,
		log:       logger,
		ctx:       ctx,
		cancelCtx: cancel,
		state:     AssignIdle,
	}
}

// Arm enters map-click mode for the selected record.
func (a *Assigner) Arm() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != AssignIdle {
		return fmt.Errorf("%w: cannot arm while %s", ErrInvalidState, a.state)
	}
	sel, ok := a.store.Selected()
	if !ok {
		return ErrNoTarget
	}
	a.target = sel.ID
	a.state = AssignArmed
	a.log.Debug("armed map-click assignment", zap.String("target", sel.ID))
	return nil
}

// MapClick handles a click on the map. While armed (or with a point already
// pending) the clicked point becomes the pending location and its address
// is looked up in the background; a newer click supersedes an older one.
// While idle, a click on the map clears the selection.
func (a *Assigner) MapClick(lat, lng float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch a.state {
	case AssignIdle:
		a.store.ClearSelection()
		return nil
	case AssignArmed, AssignPending:
	default:
		return fmt.Errorf("%w: map clicks are ignored while %s", ErrInvalidState, a.state)
	}

	a.stopLookupLocked()
	a.lookupSeq++
	seq := a.lookupSeq
	a.pending = &PendingLocation{Lat: lat, Lng: lng, Resolving: true}
	a.preview = &Point{Lat: lat, Lng: lng}
	a.state = AssignPending

	ctx, cancel := context.WithCancel(a.ctx)
	a.lookupCancel = cancel
	a.wg.Add(1)
	go a.lookup(ctx, seq, lat, lng)

	return nil
}

func (a *Assigner) lookup(ctx context.Context, seq uint64, lat, lng float64) {
	defer a.wg.Done()

	address := geocode.AddressUnavailable
	if a.opts.Geocoder != nil {
		addr, err := a.opts.Geocoder.Reverse(ctx, lat, lng)
		if err != nil {
			a.log.Warn("reverse geocoding failed",
				zap.Float64("lat", lat),
				zap.Float64("lng", lng),
				zap.Error(err))
		}
		address = geocode.Describe(addr, err)
	}

	var zone string
	if a.opts.Zones != nil && ValidCoordinates(lat, lng) {
		z, err := a.opts.Zones.Zone(lat, lng)
		if err != nil {
			a.log.Debug("time zone lookup failed", zap.Error(err))
		}
		zone = z
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if seq != a.lookupSeq || a.state != AssignPending || a.pending == nil {
		return
	}
	a.pending.Address = address
	a.pending.TimeZone = zone
	a.pending.Resolving = false
}

// Confirm writes the pending location to the target record and returns to
// idle. It does not wait for the address lookup. Invalid coordinates are
// rejected without changing anything.
func (a *Assigner) Confirm() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != AssignPending || a.pending == nil {
		return fmt.Errorf("%w: no pending location to confirm", ErrInvalidState)
	}
	lat, lng := a.pending.Lat, a.pending.Lng
	if !ValidCoordinates(lat, lng) {
		return ErrInvalidCoordinates
	}
	target := a.target
	err := a.store.SetLocation(target, lat, lng)
	a.resetLocked()
	if err != nil {
		return err
	}
	a.log.Info("assigned location from map",
		zap.String("target", target),
		zap.Float64("lat", lat),
		zap.Float64("lng", lng))
	return nil
}

// Cancel abandons the workflow from any state without changing any record.
func (a *Assigner) Cancel() {
	a.mu.Lock()
	a.resetLocked()
	a.mu.Unlock()
}

// OpenEntry opens the manual entry form for the selected record, prefilled
// with its current coordinates, if any.
func (a *Assigner) OpenEntry() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != AssignIdle {
		return fmt.Errorf("%w: cannot open entry form while %s", ErrInvalidState, a.state)
	}
	sel, ok := a.store.Selected()
	if !ok {
		return ErrNoTarget
	}
	a.target = sel.ID
	a.entry = EntryForm{}
	if sel.Latitude != nil && sel.Longitude != nil {
		a.entry.LatText = strconv.FormatFloat(*sel.Latitude, 'f', -1, 64)
		a.entry.LngText = strconv.FormatFloat(*sel.Longitude, 'f', -1, 64)
	}
	a.results = nil
	a.preview = nil
	a.state = AssignEntryOpen
	return nil
}

// SetEntryFields replaces the text of the latitude and longitude fields.
func (a *Assigner) SetEntryFields(latText, lngText string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != AssignEntryOpen {
		return fmt.Errorf("%w: entry form is not open", ErrInvalidState)
	}
	a.entry.LatText, a.entry.LngText = latText, lngText
	return nil
}

// QuickPaste sets the quick paste field. If the text contains a pair of
// comma-separated numbers, they fill the coordinate fields and the map
// preview, and QuickPaste returns true. Otherwise the fields are left
// unchanged. Ranges are not checked until submission.
func (a *Assigner) QuickPaste(text string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != AssignEntryOpen {
		return false, fmt.Errorf("%w: entry form is not open", ErrInvalidState)
	}
	a.entry.QuickPaste = text

	latText, lngText, ok := ParseCoordinatePair(text)
	if !ok {
		return false, nil
	}
	a.entry.LatText, a.entry.LngText = latText, lngText
	lat, err1 := strconv.ParseFloat(latText, 64)
	lng, err2 := strconv.ParseFloat(lngText, 64)
	if err1 == nil && err2 == nil {
		a.preview = &Point{Lat: lat, Lng: lng}
	}
	return true, nil
}

// ParseCoordinatePair finds the first "number, number" pair in text and
// returns the two numbers as written.
func ParseCoordinatePair(text string) (lat, lng string, ok bool) {
	m := coordinatePairRegex.FindStringSubmatch(text)
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}

var coordinatePairRegex = regexp.MustCompile(`(-?\d+\.?\d*)\s*,\s*(-?\d+\.?\d*)`)

// SetSearchQuery sets the place search query. Queries longer than three
// characters are searched once the query has been left unchanged for the
// debounce period; shorter queries clear the results.
func (a *Assigner) SetSearchQuery(q string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != AssignEntryOpen {
		return fmt.Errorf("%w: entry form is not open", ErrInvalidState)
	}
	a.entry.Query = q
	a.stopSearchLocked()

	if utf8.RuneCountInString(q) < minSearchQueryLen {
		a.results = nil
		return nil
	}

	seq := a.searchSeq
	a.wg.Add(1)
	a.searchTimer = a.opts.Clock.AfterFunc(a.opts.SearchDebounce, func() {
		defer a.wg.Done()
		a.search(seq, q)
	})
	return nil
}

func (a *Assigner) search(seq uint64, q string) {
	a.mu.Lock()
	if seq != a.searchSeq || a.state != AssignEntryOpen || a.opts.Searcher == nil {
		a.mu.Unlock()
		return
	}
	a.searchTimer = nil
	a.searching = true
	a.mu.Unlock()

	places, err := a.opts.Searcher.Search(a.ctx, q, a.opts.SearchLimit)

	a.mu.Lock()
	defer a.mu.Unlock()
	if seq != a.searchSeq {
		return
	}
	a.searching = false
	if err != nil {
		a.log.Warn("place search failed", zap.String("query", q), zap.Error(err))
		return
	}
	a.results = places
}

// SelectResult picks search result i: its coordinates fill the form and
// the map preview, its label becomes the query, and the results close.
func (a *Assigner) SelectResult(i int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != AssignEntryOpen {
		return fmt.Errorf("%w: entry form is not open", ErrInvalidState)
	}
	if i < 0 || i >= len(a.results) {
		return fmt.Errorf("%w: %d", ErrNoSuchResult, i)
	}
	place := a.results[i]
	a.stopSearchLocked()
	a.entry.LatText, a.entry.LngText = place.LatText, place.LngText
	a.entry.Query = place.Label
	a.preview = &Point{Lat: place.Latitude, Lng: place.Longitude}
	a.results = nil
	return nil
}

// SubmitEntry writes the coordinates in the form to the target record and
// closes the form. Both fields must be decimal numbers within range;
// otherwise ErrInvalidCoordinates is returned and nothing changes.
func (a *Assigner) SubmitEntry() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != AssignEntryOpen {
		return fmt.Errorf("%w: entry form is not open", ErrInvalidState)
	}
	lat, err1 := strconv.ParseFloat(strings.TrimSpace(a.entry.LatText), 64)
	lng, err2 := strconv.ParseFloat(strings.TrimSpace(a.entry.LngText), 64)
	if err1 != nil || err2 != nil || !ValidCoordinates(lat, lng) {
		return ErrInvalidCoordinates
	}
	target := a.target
	err := a.store.SetLocation(target, lat, lng)
	if errors.Is(err, ErrInvalidCoordinates) {
		return err
	}
	a.resetLocked()
	if err != nil {
		return err
	}
	a.log.Info("assigned location from entry form",
		zap.String("target", target),
		zap.Float64("lat", lat),
		zap.Float64("lng", lng))
	return nil
}

// View returns a snapshot of the workflow.
func (a *Assigner) View() AssignView {
	a.mu.Lock()
	defer a.mu.Unlock()
	v := AssignView{
		State:     a.state,
		TargetID:  a.target,
		Searching: a.searching,
	}
	if a.pending != nil {
		p := *a.pending
		v.Pending = &p
	}
	if a.preview != nil {
		p := *a.preview
		v.Preview = &p
	}
	if a.state == AssignEntryOpen {
		e := a.entry
		v.Entry = &e
		v.Results = append([]geocode.Place(nil), a.results...)
	}
	return v
}

// Close stops background lookups and searches and waits for them to exit.
func (a *Assigner) Close() {
	a.Cancel()
	a.cancelCtx()
	a.wg.Wait()
}

func (a *Assigner) resetLocked() {
	a.stopLookupLocked()
	a.stopSearchLocked()
	a.lookupSeq++
	a.state = AssignIdle
	a.target = ""
	a.pending = nil
	a.preview = nil
	a.entry = EntryForm{}
	a.results = nil
	a.searching = false
}

func (a *Assigner) stopLookupLocked() {
	if a.lookupCancel != nil {
		a.lookupCancel()
		a.lookupCancel = nil
	}
}

// stopSearchLocked stops a scheduled search and invalidates one in flight.
func (a *Assigner) stopSearchLocked() {
	a.searchSeq++
	a.searching = false
	if a.searchTimer != nil {
		if a.searchTimer.Stop() {
			// the timer func will never run to balance the WaitGroup
			a.wg.Done()
		}
		a.searchTimer = nil
	}
}
