package gaze

import (
	"context"
	"sort"

	"github.com/aneshas/gazepipe"
	"github.com/aneshas/gazepipe/camera"
	"github.com/aneshas/gazepipe/pldata"
	"github.com/pkg/errors"
)

// Topic is the store topic gaze samples are persisted under
const Topic = "gaze"

// ErrUnknownMethod is returned by Registry for labels nobody registered
var ErrUnknownMethod = errors.New("unknown mapping method")

// Datum is the gaze record produced by the built-in methods. External
// methods may emit richer records, the pipeline only relies on the
// timestamp field.
type Datum struct {
	Topic      string    `msgpack:"topic"`
	NormPos    []float64 `msgpack:"norm_pos"`
	Confidence float64   `msgpack:"confidence"`
	Timestamp  float64   `msgpack:"timestamp"`

	// BasedOn holds the pupil data the datum was mapped from
	BasedOn []pldata.Serialized `msgpack:"base_data,omitempty"`
}

// Serialize wraps d in a lazy payload
func (d Datum) Serialize() (pldata.Serialized, error) {
	return pldata.Serialize(d)
}

// FitInput is what a Method needs to fit a calibration model
type FitInput struct {
	Config     gazepipe.Config
	References []Reference
	Pupil      []pldata.Serialized
	Intrinsics *camera.Intrinsics
}

// Mapper is a fitted calibration model. Map yields zero or more gaze
// payloads per pupil datum, dropping low confidence input is expected.
type Mapper interface {
	Map(pupil pldata.Serialized) ([]pldata.Serialized, error)
}

// Parametrized is implemented by mappers that can export their fitted
// parameters, so the fit can be recorded and restored later
type Parametrized interface {
	Params() (pldata.Serialized, error)
}

// Method fits calibration models
type Method interface {
	Label() string
	Fit(ctx context.Context, in FitInput) (Mapper, error)
}

// Restorer is implemented by methods that can rebuild a mapper from
// previously exported parameters
type Restorer interface {
	FromParams(params pldata.Serialized, intrinsics *camera.Intrinsics) (Mapper, error)
}

// Constructor builds a Method that reports to obs
type Constructor func(obs gazepipe.Observer) Method

// Registry maps method labels to constructors
type Registry struct {
	constructors map[string]Constructor
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{constructors: make(map[string]Constructor)}
}

// Register adds a method under label, replacing any previous entry
func (r *Registry) Register(label string, c Constructor) {
	r.constructors[label] = c
}

// Labels returns the registered labels in sorted order
func (r *Registry) Labels() []string {
	labels := make([]string, 0, len(r.constructors))

	for l := range r.constructors {
		labels = append(labels, l)
	}

	sort.Strings(labels)

	return labels
}

// New constructs the method registered under label
func (r *Registry) New(label string, obs gazepipe.Observer) (Method, error) {
	c, ok := r.constructors[label]
	if !ok {
		return nil, errors.Wrap(ErrUnknownMethod, label)
	}

	if obs == nil {
		obs = gazepipe.NopObserver
	}

	return c(obs), nil
}
