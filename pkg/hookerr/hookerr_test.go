package hookerr

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	type scenario struct {
		name string
		err  error
		test func(Kind)
	}

	scenarios := []scenario{
		{
			name: "plain New carries its kind",
			err:  New(KindPlacementBusy, "all machines at capacity"),
			test: func(k Kind) {
				assert.Equal(t, KindPlacementBusy, k)
			},
		},
		{
			name: "Wrap carries its kind through fmt.Errorf",
			err:  fmt.Errorf("dialing host: %w", Wrap(KindConnectFailed, "dial", assert.AnError)),
			test: func(k Kind) {
				assert.Equal(t, KindConnectFailed, k)
			},
		},
		{
			name: "unrelated error carries KindNone",
			err:  assert.AnError,
			test: func(k Kind) {
				assert.Equal(t, KindNone, k)
			},
		},
	}

	for _, s := range scenarios {
		t.Run(s.name, func(t *testing.T) {
			s.test(KindOf(s.err))
		})
	}
}

func TestIs(t *testing.T) {
	err := New(KindConfigMalformed, "bad maxJobs field")
	assert.True(t, Is(err, KindConfigMalformed))
	assert.False(t, Is(err, KindConfigMissing))
}
