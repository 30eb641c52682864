package container

import (
	"errors"
)

// Health is the classification of a local asset file
type Health int

const (
	HealthGood Health = iota
	HealthMissing
	HealthEmpty
	HealthCorrupt
	HealthPartial
)

func (h Health) String() string {
	switch h {
	case HealthGood:
		return "good"
	case HealthMissing:
		return "missing"
	case HealthEmpty:
		return "empty"
	case HealthCorrupt:
		return "corrupt"
	case HealthPartial:
		return "partial"
	default:
		return "unknown"
	}
}

// Report is the result of classifying a local asset
type Report struct {
	Health Health
	Size   int64
	Header *Header
	Err    error
}

// Resumable reports whether a download may continue at the end of the file
func (r Report) Resumable() bool {
	return r.Health == HealthPartial && r.Header != nil && r.Size < r.Header.ExpectedSize()
}

// Classify opens the asset at path and decides whether it can be played
// as-is, must be (re)fetched or is unusable.
func Classify(path string) Report {
	cf, err := Open(path)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			return Report{Health: HealthMissing, Err: err}
		case errors.Is(err, ErrTooSmall):
			return Report{Health: HealthEmpty, Err: err}
		default:
			return Report{Health: HealthCorrupt, Err: err}
		}
	}
	defer cf.Close()

	report := Report{Health: HealthGood, Size: cf.Size, Header: cf.Header}
	if cf.Partial() {
		report.Health = HealthPartial
	}
	return report
}
