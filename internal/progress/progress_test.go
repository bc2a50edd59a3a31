package progress

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/priorauth/browseragent/internal/domain"
)

func TestMapStatusKnownValues(t *testing.T) {
	cases := []struct {
		in   domain.RequestStatus
		want string
	}{
		{domain.RequestCreated, "queued"},
		{domain.RequestQueued, "queued"},
		{domain.RequestRunning, "running"},
		{domain.RequestUserActionRequired, "manual-action"},
		{domain.RequestCompleted, "completed"},
		{domain.RequestFailed, "failed"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, MapStatus(tc.in), "MapStatus(%q)", tc.in)
	}
}

func TestMapStatusLowercaseDBTokens(t *testing.T) {
	cases := []struct {
		in   domain.RequestStatus
		want string
	}{
		{domain.RequestStatus("in_progress"), "running"},
		{domain.RequestStatus("processing"), "running"},
		{domain.RequestStatus("created"), "queued"},
		{domain.RequestStatus("succeeded"), "completed"},
		{domain.RequestStatus("action_needed"), "manual-action"},
		{domain.RequestStatus("user_action_required"), "manual-action"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, MapStatus(tc.in), "MapStatus(%q)", tc.in)
	}
}

func TestMapStatusUnknownPassesThrough(t *testing.T) {
	assert.Equal(t, "something_new", MapStatus(domain.RequestStatus("something_new")))
}
