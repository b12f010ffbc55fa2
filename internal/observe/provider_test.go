package observe

import (
	"context"
	"testing"
)

func TestInitProvider_RejectsSampleRatio(t *testing.T) {
	t.Parallel()
	for _, ratio := range []float64{-0.1, 1.5} {
		if _, err := InitProvider(context.Background(), ProviderConfig{SampleRatio: ratio}); err == nil {
			t.Errorf("InitProvider(ratio %v) succeeded", ratio)
		}
	}
}
