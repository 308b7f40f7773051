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
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/mira-gis/mira/geocode"
)

// fakeGeocoder answers reverse lookups from a table. A lookup of a point
// listed in gates blocks until that channel is closed.
type fakeGeocoder struct {
	addresses map[Point]geocode.Address
	gates     map[Point]chan struct{}
	err       error
}

func (f *fakeGeocoder) Reverse(_ context.Context, lat, lng float64) (geocode.Address, error) {
	p := Point{Lat: lat, Lng: lng}
	if gate, ok := f.gates[p]; ok {
		<-gate
	}
	return f.addresses[p], f.err
}

type fakeSearcher struct {
	mu      sync.Mutex
	queries []string
	places  []geocode.Place
	gate    chan struct{} // if set, searches block until it is closed
	done    int
}

func (f *fakeSearcher) Search(_ context.Context, q string, limit int) ([]geocode.Place, error) {
	f.mu.Lock()
	f.queries = append(f.queries, q)
	f.mu.Unlock()
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.done++
	if len(f.places) > limit {
		return f.places[:limit], nil
	}
	return f.places, nil
}

func (f *fakeSearcher) searched() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.queries...)
}

type fixedZone string

func (z fixedZone) Zone(float64, float64) (string, error) { return string(z), nil }

var ironWorks = geocode.Address{Road: "Rua das Flores", HouseNumber: "12", City: "Fortaleza"}

func assignFixture(t *testing.T, opts AssignerOptions) (*Store, *Assigner) {
	t.Helper()
	s := NewStore(nil)
	located := testRecord("b", "b.jpg")
	located.Latitude, located.Longitude = ptr(-3.5), ptr(-38.25)
	if err := s.Append(testRecord("a", "a.jpg"), located); err != nil {
		t.Fatal(err)
	}
	a := NewAssigner(nil, s, opts)
	t.Cleanup(a.Close)
	return s, a
}

func TestArmRequiresSelection(t *testing.T) {
	_, a := assignFixture(t, AssignerOptions{})
	if err := a.Arm(); !errors.Is(err, ErrNoTarget) {
		t.Errorf("Expected ErrNoTarget, got %v", err)
	}
	if err := a.OpenEntry(); !errors.Is(err, ErrNoTarget) {
		t.Errorf("Expected ErrNoTarget, got %v", err)
	}
	if a.View().State != AssignIdle {
		t.Errorf("Expected idle, got %s", a.View().State)
	}
}

func TestMapClickAssignment(t *testing.T) {
	geo := &fakeGeocoder{addresses: map[Point]geocode.Address{{-3.71, -38.52}: ironWorks}}
	s, a := assignFixture(t, AssignerOptions{Geocoder: geo, Zones: fixedZone("America/Fortaleza")})

	if err := s.Select("a"); err != nil {
		t.Fatal(err)
	}
	if err := a.Arm(); err != nil {
		t.Fatal(err)
	}
	if err := a.Arm(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState arming twice, got %v", err)
	}
	if v := a.View(); v.State != AssignArmed || v.TargetID != "a" {
		t.Errorf("Expected armed for a, got %+v", v)
	}

	if err := a.MapClick(-3.71, -38.52); err != nil {
		t.Fatal(err)
	}
	v := a.View()
	if v.State != AssignPending || v.Pending == nil || v.Pending.Lat != -3.71 || v.Pending.Lng != -38.52 {
		t.Fatalf("Expected pending location -3.71,-38.52, got %+v", v)
	}

	waitFor(t, "address lookup", func() bool { return !a.View().Pending.Resolving })
	v = a.View()
	if v.Pending.Address != "Rua das Flores, 12, Fortaleza" {
		t.Errorf("Expected resolved address, got %q", v.Pending.Address)
	}
	if v.Pending.TimeZone != "America/Fortaleza" {
		t.Errorf("Expected time zone America/Fortaleza, got %q", v.Pending.TimeZone)
	}

	if err := a.Confirm(); err != nil {
		t.Fatal(err)
	}
	rec, _ := s.Get("a")
	if !rec.HasLocation || *rec.Latitude != -3.71 || *rec.Longitude != -38.52 {
		t.Errorf("Expected a at -3.71,-38.52, got %+v", rec)
	}
	if v := a.View(); v.State != AssignIdle || v.Pending != nil || v.TargetID != "" {
		t.Errorf("Expected clean idle state after confirming, got %+v", v)
	}
}

func TestTargetLockedWhenArmed(t *testing.T) {
	s, a := assignFixture(t, AssignerOptions{})
	_ = s.Select("a")
	if err := a.Arm(); err != nil {
		t.Fatal(err)
	}
	_ = s.Select("b")

	if err := a.MapClick(10, 20); err != nil {
		t.Fatal(err)
	}
	if err := a.Confirm(); err != nil {
		t.Fatal(err)
	}

	if rec, _ := s.Get("a"); *rec.Latitude != 10 || *rec.Longitude != 20 {
		t.Errorf("Expected locked target a to be updated, got %v,%v", *rec.Latitude, *rec.Longitude)
	}
	if rec, _ := s.Get("b"); *rec.Latitude != -3.5 || *rec.Longitude != -38.25 {
		t.Errorf("Expected b to be untouched, got %v,%v", *rec.Latitude, *rec.Longitude)
	}
}

func TestCancelAssignment(t *testing.T) {
	s, a := assignFixture(t, AssignerOptions{})
	_ = s.Select("a")
	_ = a.Arm()
	_ = a.MapClick(10, 20)

	a.Cancel()

	if v := a.View(); v.State != AssignIdle || v.Pending != nil || v.Preview != nil {
		t.Errorf("Expected clean idle state, got %+v", v)
	}
	if rec, _ := s.Get("a"); rec.HasLocation {
		t.Errorf("Expected a to be unchanged, got %+v", rec)
	}
	if err := a.Confirm(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState confirming with nothing pending, got %v", err)
	}
}

func TestMapClickOutsideAssignment(t *testing.T) {
	s, a := assignFixture(t, AssignerOptions{})
	_ = s.Select("a")

	if err := a.MapClick(1, 2); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.Selected(); ok {
		t.Error("Expected a map click while idle to clear the selection")
	}

	_ = s.Select("a")
	if err := a.OpenEntry(); err != nil {
		t.Fatal(err)
	}
	if err := a.MapClick(1, 2); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState while the entry form is open, got %v", err)
	}
}

func TestStaleLookupIgnored(t *testing.T) {
	first := Point{Lat: 1, Lng: 1}
	second := Point{Lat: 2, Lng: 2}
	gate := make(chan struct{})
	geo := &fakeGeocoder{
		addresses: map[Point]geocode.Address{
			first:  {City: "Old Town"},
			second: {City: "New Town"},
		},
		gates: map[Point]chan struct{}{first: gate},
	}
	s, a := assignFixture(t, AssignerOptions{Geocoder: geo})
	_ = s.Select("a")
	_ = a.Arm()

	_ = a.MapClick(first.Lat, first.Lng)
	_ = a.MapClick(second.Lat, second.Lng)
	waitFor(t, "second lookup", func() bool { return !a.View().Pending.Resolving })
	close(gate)
	time.Sleep(20 * time.Millisecond)

	v := a.View()
	if v.Pending.Lat != 2 || v.Pending.Address != "New Town" {
		t.Errorf("Expected the newest click to win, got %+v", v.Pending)
	}
}

func TestLookupFailure(t *testing.T) {
	s, a := assignFixture(t, AssignerOptions{Geocoder: &fakeGeocoder{err: errors.New("offline")}})
	_ = s.Select("a")
	_ = a.Arm()
	_ = a.MapClick(5, 5)

	waitFor(t, "lookup", func() bool { return !a.View().Pending.Resolving })
	if got := a.View().Pending.Address; got != geocode.AddressUnavailable {
		t.Errorf("Expected %q, got %q", geocode.AddressUnavailable, got)
	}
	if err := a.Confirm(); err != nil {
		t.Errorf("Expected confirm to work without an address, got %v", err)
	}
}

func TestConfirmRejectsInvalidCoordinates(t *testing.T) {
	s, a := assignFixture(t, AssignerOptions{})
	_ = s.Select("a")
	_ = a.Arm()
	_ = a.MapClick(95, 0)

	if err := a.Confirm(); !errors.Is(err, ErrInvalidCoordinates) {
		t.Errorf("Expected ErrInvalidCoordinates, got %v", err)
	}
	if a.View().State != AssignPending {
		t.Errorf("Expected to remain pending, got %s", a.View().State)
	}
	if rec, _ := s.Get("a"); rec.HasLocation {
		t.Error("Expected a to be unchanged")
	}
}

func TestEntryFormPrefillAndQuickPaste(t *testing.T) {
	s, a := assignFixture(t, AssignerOptions{})
	_ = s.Select("b")
	if err := a.OpenEntry(); err != nil {
		t.Fatal(err)
	}
	if e := a.View().Entry; e == nil || e.LatText != "-3.5" || e.LngText != "-38.25" {
		t.Errorf("Expected form prefilled with -3.5,-38.25, got %+v", e)
	}

	ok, err := a.QuickPaste("pin at -3.71, -38.52 near the gate")
	if err != nil || !ok {
		t.Fatalf("Expected quick paste to match, got %v, %v", ok, err)
	}
	v := a.View()
	if v.Entry.LatText != "-3.71" || v.Entry.LngText != "-38.52" {
		t.Errorf("Expected fields -3.71,-38.52, got %q,%q", v.Entry.LatText, v.Entry.LngText)
	}
	if v.Preview == nil || v.Preview.Lat != -3.71 || v.Preview.Lng != -38.52 {
		t.Errorf("Expected map preview at -3.71,-38.52, got %+v", v.Preview)
	}

	ok, _ = a.QuickPaste("nothing useful")
	if ok {
		t.Error("Expected quick paste without a pair not to match")
	}
	if a.View().Entry.LatText != "-3.71" {
		t.Error("Expected fields to be left alone when quick paste does not match")
	}

	if err := a.SubmitEntry(); err != nil {
		t.Fatal(err)
	}
	if rec, _ := s.Get("b"); *rec.Latitude != -3.71 || *rec.Longitude != -38.52 {
		t.Errorf("Expected b at -3.71,-38.52, got %v,%v", *rec.Latitude, *rec.Longitude)
	}
	if a.View().State != AssignIdle {
		t.Errorf("Expected idle after submitting, got %s", a.View().State)
	}
}

func TestSubmitEntryValidation(t *testing.T) {
	s, a := assignFixture(t, AssignerOptions{})
	_ = s.Select("a")
	_ = a.OpenEntry()

	for _, fields := range [][2]string{
		{"", ""},
		{"abc", "1"},
		{"91", "0"},
		{"0", "-180.1"},
		{"1.2.3", "4"},
	} {
		if err := a.SetEntryFields(fields[0], fields[1]); err != nil {
			t.Fatal(err)
		}
		if err := a.SubmitEntry(); !errors.Is(err, ErrInvalidCoordinates) {
			t.Errorf("Expected ErrInvalidCoordinates for %q, got %v", fields, err)
		}
		if a.View().State != AssignEntryOpen {
			t.Errorf("Expected form to stay open after invalid input %q", fields)
		}
	}
	if rec, _ := s.Get("a"); rec.HasLocation {
		t.Error("Expected a to be unchanged")
	}

	_ = a.SetEntryFields(" 12.5 ", "-40")
	if err := a.SubmitEntry(); err != nil {
		t.Errorf("Unexpected error: %v", err)
	}
}

func TestParseCoordinatePair(t *testing.T) {
	tests := []struct {
		input    string
		lat, lng string
		ok       bool
	}{
		{"-3.71, -38.52", "-3.71", "-38.52", true},
		{"-3.71,-38.52", "-3.71", "-38.52", true},
		{"lat/lng: 10 , 20.5", "10", "20.5", true},
		{"123.4,567", "123.4", "567", true},
		{"-3.71", "", "", false},
		{"", "", "", false},
	}
	for _, tt := range tests {
		lat, lng, ok := ParseCoordinatePair(tt.input)
		if lat != tt.lat || lng != tt.lng || ok != tt.ok {
			t.Errorf("ParseCoordinatePair(%q) = %q, %q, %v; want %q, %q, %v",
				tt.input, lat, lng, ok, tt.lat, tt.lng, tt.ok)
		}
	}
}

func TestPlaceSearchDebounce(t *testing.T) {
	mock := clock.NewMock()
	searcher := &fakeSearcher{places: []geocode.Place{
		{Label: "Fortaleza, Ceará, Brasil", Latitude: -3.7304512, Longitude: -38.5217989, LatText: "-3.7304512", LngText: "-38.5217989"},
		{Label: "Fortaleza, Rio Grande do Sul", Latitude: -29.6, Longitude: -51.1, LatText: "-29.6", LngText: "-51.1"},
	}}
	s, a := assignFixture(t, AssignerOptions{Searcher: searcher, Clock: mock})
	_ = s.Select("a")
	_ = a.OpenEntry()

	_ = a.SetSearchQuery("Fort")
	mock.Add(300 * time.Millisecond)
	_ = a.SetSearchQuery("Fortaleza")
	mock.Add(599 * time.Millisecond)
	if q := searcher.searched(); len(q) != 0 {
		t.Errorf("Expected no search before the query settled, got %v", q)
	}

	mock.Add(time.Millisecond)
	waitFor(t, "search results", func() bool { return len(a.View().Results) == 2 })
	if q := searcher.searched(); !reflect.DeepEqual(q, []string{"Fortaleza"}) {
		t.Errorf("Expected exactly one search for Fortaleza, got %v", q)
	}

	if err := a.SelectResult(2); !errors.Is(err, ErrNoSuchResult) {
		t.Errorf("Expected ErrNoSuchResult, got %v", err)
	}
	if err := a.SelectResult(0); err != nil {
		t.Fatal(err)
	}
	v := a.View()
	if v.Entry.LatText != "-3.7304512" || v.Entry.LngText != "-38.5217989" || v.Entry.Query != "Fortaleza, Ceará, Brasil" {
		t.Errorf("Expected the chosen place in the form, got %+v", v.Entry)
	}
	if len(v.Results) != 0 {
		t.Errorf("Expected results to close, got %v", v.Results)
	}
	if v.Preview == nil || v.Preview.Lat != -3.7304512 {
		t.Errorf("Expected map preview at the chosen place, got %+v", v.Preview)
	}
}

func TestShortSearchQueryClearsResults(t *testing.T) {
	mock := clock.NewMock()
	searcher := &fakeSearcher{places: []geocode.Place{{Label: "Crato"}}}
	s, a := assignFixture(t, AssignerOptions{Searcher: searcher, Clock: mock})
	_ = s.Select("a")
	_ = a.OpenEntry()

	_ = a.SetSearchQuery("Crato")
	mock.Add(DefaultSearchDebounce)
	waitFor(t, "search results", func() bool { return len(a.View().Results) == 1 })

	_ = a.SetSearchQuery("Cra")
	if len(a.View().Results) != 0 {
		t.Error("Expected a short query to clear results")
	}
	mock.Add(time.Second)
	if q := searcher.searched(); len(q) != 1 {
		t.Errorf("Expected short queries not to be searched, got %v", q)
	}
}

func TestSupersededSearchStopsSearching(t *testing.T) {
	mock := clock.NewMock()
	searcher := &fakeSearcher{
		places: []geocode.Place{{Label: "Fortaleza"}},
		gate:   make(chan struct{}),
	}
	s, a := assignFixture(t, AssignerOptions{Searcher: searcher, Clock: mock})
	_ = s.Select("a")
	_ = a.OpenEntry()

	_ = a.SetSearchQuery("Fortaleza")
	mock.Add(DefaultSearchDebounce)
	waitFor(t, "search to start", func() bool { return a.View().Searching })

	_ = a.SetSearchQuery("Fo")
	if a.View().Searching {
		t.Error("Expected a short query to stop the searching indicator")
	}
	close(searcher.gate)
	waitFor(t, "superseded search to return", func() bool {
		searcher.mu.Lock()
		defer searcher.mu.Unlock()
		return searcher.done == 1
	})
	a.wg.Wait()

	v := a.View()
	if v.Searching {
		t.Error("Expected searching to be false after the superseded search returned")
	}
	if len(v.Results) != 0 {
		t.Errorf("Expected stale results to be dropped, got %v", v.Results)
	}
}
