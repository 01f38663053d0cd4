package mapmeet

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

type testSurface struct {
	pins     map[string]Pin
	onSelect map[string]func()
	adds     int
	removes  int
}

func newTestSurface() *testSurface {
	return &testSurface{
		pins:     map[string]Pin{},
		onSelect: map[string]func(){},
	}
}

func (self *testSurface) AddPin(pin Pin, onSelect func()) {
	self.pins[pin.Id] = pin
	self.onSelect[pin.Id] = onSelect
	self.adds += 1
}

func (self *testSurface) RemovePin(pinId string) {
	delete(self.pins, pinId)
	delete(self.onSelect, pinId)
	self.removes += 1
}

func TestRecomputePins(t *testing.T) {
	events := map[string]*Event{
		"e1":  testEvent("e1", "-122.4 37.7"),
		"e2":  testEvent("e2", "1 2"),
		"bad": testEvent("bad", "nowhere"),
	}
	incomingEvents := map[string]*Event{
		"e2": testEvent("e2", "1 2"),
		"e3": testEvent("e3", "3 4"),
	}

	pins := RecomputePins(events, incomingEvents)
	assert.Equal(t, 3, len(pins))
	assert.Equal(t, false, pins["e1"].Invited)
	assert.Equal(t, Coordinate{Longitude: -122.4, Latitude: 37.7}, pins["e1"].Coordinate)
	assert.Equal(t, "event e1", pins["e1"].Title)
	assert.Equal(t, "1 Main St", pins["e1"].Subtitle)
	// the invitation wins
	assert.Equal(t, true, pins["e2"].Invited)
	assert.Equal(t, true, pins["e3"].Invited)
	_, ok := pins["bad"]
	assert.Equal(t, false, ok)

	// depends only on the inputs
	assert.Equal(t, pins, RecomputePins(events, incomingEvents))
	assert.Equal(t, 0, len(RecomputePins(nil, nil)))

	// an id gone from both inputs loses its pin
	delete(events, "e2")
	delete(incomingEvents, "e2")
	pins = RecomputePins(events, incomingEvents)
	_, ok = pins["e2"]
	assert.Equal(t, false, ok)
	assert.Equal(t, 2, len(pins))
}

func TestDiffPins(t *testing.T) {
	a := Pin{Id: "a", Title: "a"}
	b := Pin{Id: "b", Title: "b"}
	c := Pin{Id: "c", Title: "c"}
	b2 := Pin{Id: "b", Title: "b", Invited: true}

	adds, removes := DiffPins(
		map[string]Pin{"a": a, "b": b},
		map[string]Pin{"b": b2, "c": c},
	)
	assert.Equal(t, []Pin{b2, c}, adds)
	assert.Equal(t, []string{"a", "b"}, removes)

	adds, removes = DiffPins(map[string]Pin{"a": a}, map[string]Pin{"a": a})
	assert.Equal(t, 0, len(adds))
	assert.Equal(t, 0, len(removes))
}

func TestPinRenderer(t *testing.T) {
	surface := newTestSurface()
	selected := []string{}
	renderer := NewPinRenderer(surface, func(eventId string) {
		selected = append(selected, eventId)
	})

	events := map[string]*Event{
		"e1": testEvent("e1", "1 2"),
	}
	incomingEvents := map[string]*Event{
		"e2": testEvent("e2", "3 4"),
	}

	renderer.Render(RecomputePins(events, incomingEvents))
	assert.Equal(t, 2, len(surface.pins))
	assert.Equal(t, 2, surface.adds)

	// the same set again makes no surface calls
	renderer.Render(RecomputePins(events, incomingEvents))
	assert.Equal(t, 2, surface.adds)
	assert.Equal(t, 0, surface.removes)

	surface.onSelect["e2"]()
	assert.Equal(t, []string{"e2"}, selected)

	// join e2
	events["e2"] = incomingEvents["e2"]
	delete(incomingEvents, "e2")
	renderer.Render(RecomputePins(events, incomingEvents))
	assert.Equal(t, false, surface.pins["e2"].Invited)
	assert.Equal(t, 3, surface.adds)
	assert.Equal(t, 1, surface.removes)
	assert.Equal(t, RecomputePins(events, incomingEvents), renderer.Rendered())

	renderer.Clear()
	assert.Equal(t, 0, len(surface.pins))
}
