package mapmeet

import (
	"sort"

	"github.com/golang/glog"
)

// Pin is the map marker of one event
type Pin struct {
	Id         string
	Title      string
	Subtitle   string
	Coordinate Coordinate
	// an invitation the user has not joined
	Invited bool
}

func newPin(event *Event, invited bool) (Pin, bool) {
	coordinate, err := event.Location()
	if err != nil {
		glog.Infof("[pin]event %s has no location = %s\n", event.Id, err)
		return Pin{}, false
	}
	return Pin{
		Id:         event.Id,
		Title:      event.Name,
		Subtitle:   event.Address,
		Coordinate: coordinate,
		Invited:    invited,
	}, true
}

// RecomputePins derives the pins from the union of the joined and invited events.
// An event in both takes the invitation pin.
// The result depends only on the inputs, so it is safe to recompute on every change.
func RecomputePins(events map[string]*Event, incomingEvents map[string]*Event) map[string]Pin {
	pins := map[string]Pin{}
	for id, event := range events {
		if _, ok := incomingEvents[id]; ok {
			continue
		}
		if pin, ok := newPin(event, false); ok {
			pins[id] = pin
		}
	}
	for id, event := range incomingEvents {
		if pin, ok := newPin(event, true); ok {
			pins[id] = pin
		}
	}
	return pins
}

// DiffPins returns the pins to add and the ids to remove to move the surface from
// `rendered` to `desired`. A changed pin is a remove and an add. Both are ordered by id.
func DiffPins(rendered map[string]Pin, desired map[string]Pin) (adds []Pin, removes []string) {
	for id, pin := range rendered {
		if desiredPin, ok := desired[id]; !ok || desiredPin != pin {
			removes = append(removes, id)
		}
	}
	for id, pin := range desired {
		if renderedPin, ok := rendered[id]; !ok || renderedPin != pin {
			adds = append(adds, pin)
		}
	}
	sort.Strings(removes)
	sort.Slice(adds, func(i int, j int) bool {
		return adds[i].Id < adds[j].Id
	})
	return
}

// the map view the pins are drawn on
type PinSurface interface {
	// `onSelect` is called when the user taps the pin
	AddPin(pin Pin, onSelect func())
	RemovePin(pinId string)
}

type PinSelectFunction func(eventId string)

// PinRenderer keeps a surface in step with the desired pin set.
// Must be used on the dispatcher.
type PinRenderer struct {
	surface  PinSurface
	onSelect PinSelectFunction
	rendered map[string]Pin
}

func NewPinRenderer(surface PinSurface, onSelect PinSelectFunction) *PinRenderer {
	return &PinRenderer{
		surface:  surface,
		onSelect: onSelect,
		rendered: map[string]Pin{},
	}
}

// Render applies the difference between the rendered and desired pins.
// Rendering the same set again makes no surface calls.
func (self *PinRenderer) Render(desired map[string]Pin) {
	adds, removes := DiffPins(self.rendered, desired)
	for _, id := range removes {
		self.surface.RemovePin(id)
		delete(self.rendered, id)
	}
	for _, pin := range adds {
		eventId := pin.Id
		self.surface.AddPin(pin, func() {
			if self.onSelect != nil {
				self.onSelect(eventId)
			}
		})
		self.rendered[pin.Id] = pin
	}
	if 0 < len(adds) || 0 < len(removes) {
		glog.V(LogLevelDebug).Infof("[pin]render +%d -%d\n", len(adds), len(removes))
	}
}

// the pins currently on the surface
func (self *PinRenderer) Rendered() map[string]Pin {
	rendered := make(map[string]Pin, len(self.rendered))
	for id, pin := range self.rendered {
		rendered[id] = pin
	}
	return rendered
}

// removes every pin from the surface
func (self *PinRenderer) Clear() {
	self.Render(map[string]Pin{})
}
