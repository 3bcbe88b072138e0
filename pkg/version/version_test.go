package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMismatch(t *testing.T) {
	orig := Version
	defer func() { Version = orig }()
	Version = "1.4.0"

	tests := []struct {
		name  string
		agent string
		want  bool
	}{
		{name: "same version", agent: "1.4.0", want: false},
		{name: "prerelease ignored", agent: "1.4.0-rc1", want: false},
		{name: "build metadata ignored", agent: "1.4.0+a1b2c3", want: false},
		{name: "older patch", agent: "1.3.9", want: true},
		{name: "newer minor", agent: "1.5.0", want: true},
		{name: "garbage differs", agent: "not-a-version", want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Mismatch(tt.agent))
		})
	}
}

func TestMismatchUnparseableBuild(t *testing.T) {
	orig := Version
	defer func() { Version = orig }()
	Version = "dev"

	assert.False(t, Mismatch("dev"))
	assert.True(t, Mismatch("1.0.0"))
}

func TestAtLeast(t *testing.T) {
	tests := []struct {
		name    string
		v       string
		minimum string
		want    bool
	}{
		{name: "equal", v: "1.0.0", minimum: "1.0.0", want: true},
		{name: "newer", v: "2.1.0", minimum: "1.0.0", want: true},
		{name: "older", v: "0.9.9", minimum: "1.0.0", want: false},
		{name: "partial version tolerated", v: "1.2", minimum: "1.0.0", want: true},
		{name: "garbage fails", v: "nope", minimum: "1.0.0", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AtLeast(tt.v, tt.minimum))
		})
	}
}
