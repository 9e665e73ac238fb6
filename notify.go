package gazepipe

import (
	"sort"

	"github.com/sirupsen/logrus"
)

// Notification is a message emitted by a pipeline capability (for example
// a calibration method announcing a finished fit)
type Notification struct {
	Subject   string
	Timestamp float64
	Fields    map[string]any
}

// Observer receives notifications. Capabilities accept an Observer at
// construction time instead of broadcasting to a global bus.
type Observer interface {
	Notify(Notification)
}

// ObserverFunc adapts a plain function to Observer
type ObserverFunc func(Notification)

// Notify calls f
func (f ObserverFunc) Notify(n Notification) { f(n) }

// Observers fans a notification out to several observers in order
type Observers []Observer

// Notify forwards n to every non nil observer
func (o Observers) Notify(n Notification) {
	for _, obs := range o {
		if obs != nil {
			obs.Notify(n)
		}
	}
}

// NopObserver discards notifications
var NopObserver Observer = ObserverFunc(func(Notification) {})

// LogObserver writes every notification to logger at info level, listing
// the notification keys the way operators are used to seeing them
func LogObserver(logger logrus.FieldLogger) Observer {
	return ObserverFunc(func(n Notification) {
		keys := make([]string, 0, len(n.Fields))
		for k := range n.Fields {
			keys = append(keys, k)
		}

		sort.Strings(keys)

		logger.WithField("action", "notification").
			WithField("subject", n.Subject).
			WithField("keys", keys).
			Info("notification received")
	})
}
