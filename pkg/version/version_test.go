package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestString(t *testing.T) {
	defer func(b, c string) { Build, Commit = b, c }(Build, Commit)

	Build, Commit = "1.2.0", ""
	assert.Equal(t, "1.2.0", String())

	Commit = "0123456789abcdef"
	assert.Equal(t, "1.2.0+0123456", String())
}
