package githubapi

import (
	"errors"
	"time"

	"github.com/google/go-github/v75/github"

	runnererrors "github.com/metyatech/agent-runner/internal/errors"
)

// classify maps go-github errors onto the runner's taxonomy so the cycle
// driver can switch to cached discovery on rate limits.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var rate *github.RateLimitError
	if errors.As(err, &rate) {
		return runnererrors.NewRateLimitError(err, rate.Rate.Reset.Time)
	}

	var abuse *github.AbuseRateLimitError
	if errors.As(err, &abuse) {
		resetAt := time.Time{}
		if abuse.RetryAfter != nil {
			resetAt = time.Now().Add(*abuse.RetryAfter)
		}
		return runnererrors.NewRateLimitError(err, resetAt)
	}

	return err
}
