package coordinator

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// retryDelay computes an escalating backoff delay: min(2^(attempt-1), 30)
// seconds. It is built on cenkalti/backoff's
// exponential policy with randomization disabled so the sequence is
// deterministic: 1s, 2s, 4s, 8s, 16s, 30s, 30s, ...
func retryDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.Multiplier = 2
	b.MaxInterval = 30 * time.Second
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0 // never stop producing a next interval
	b.Reset()            // restart from the 1s InitialInterval set above

	if attempt < 1 {
		attempt = 1
	}
	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}
