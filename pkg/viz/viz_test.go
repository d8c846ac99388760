package viz

import (
	"bytes"
	"strings"
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/Tomato6966/remote-sqlite-database/pkg/journal"
	"github.com/Tomato6966/remote-sqlite-database/pkg/protocol"
)

func TestHistory(t *testing.T) {
	j := journal.New()
	for _, v := range []float64{1, 2, 3} {
		d, _ := protocol.UpsertDelta("score", v)
		assert.Equal(t, j.Record("math score", d), nil)
	}
	assert.Equal(t, j.Record("delete score", protocol.RemovalDelta("score")), nil)

	doc, err := j.Fork()
	assert.Equal(t, err, nil)
	steps, err := History(doc, "score")
	assert.Equal(t, err, nil)
	assert.Equal(t, len(steps), 4)
	assert.Equal(t, steps[0].Message, "math score")
	assert.Equal(t, steps[2].Value, float64(3))
	assert.Equal(t, steps[3].Value, nil)
	assert.Equal(t, steps[1].Dependencies, []string{steps[0].Hash})

	var buff bytes.Buffer
	assert.Equal(t, RenderHistory(doc, "score", &buff), nil)
	assert.Equal(t, strings.Contains(buff.String(), "<svg"), true)
}
