package gaze

import (
	"sort"

	"github.com/aneshas/gazepipe/pldata"
)

// PupilTopicPrefix selects pupil detections in a store
const PupilTopicPrefix = "pupil."

// LoadPupil reads every pupil datum from the store name in dir, ordered by
// timestamp. Samples sharing a timestamp keep their store order.
func LoadPupil(dir, name string, opts ...pldata.Option) ([]pldata.Sample, error) {
	store, err := pldata.Open(dir, name, opts...)
	if err != nil {
		return nil, err
	}

	samples := store.WithTopicPrefix(PupilTopicPrefix)

	sort.SliceStable(samples, func(i, j int) bool {
		return samples[i].Timestamp < samples[j].Timestamp
	})

	return samples, nil
}

func payloads(samples []pldata.Sample) []pldata.Serialized {
	out := make([]pldata.Serialized, len(samples))

	for i, s := range samples {
		out[i] = s.Payload
	}

	return out
}
