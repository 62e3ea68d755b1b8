package wake

import (
	"testing"

	"github.com/google/uuid"

	"github.com/acme/call-dispatcher/internal/queue"
)

type recordingWaker struct {
	wakes   int
	resumed []uuid.UUID
}

func (w *recordingWaker) Wake() { w.wakes++ }

func (w *recordingWaker) Resume(id uuid.UUID) { w.resumed = append(w.resumed, id) }

func TestApplyResumesOnlyForResumeMessages(t *testing.T) {
	id := uuid.New()
	cases := []struct {
		name string
		msg  queue.WakeMessage
		want int
	}{
		{"resume", queue.WakeMessage{Reason: queue.WakeReasonCampaignResumed, CampaignID: &id}, 1},
		{"resume without campaign", queue.WakeMessage{Reason: queue.WakeReasonCampaignResumed}, 0},
		{"start", queue.WakeMessage{Reason: queue.WakeReasonCampaignStarted, CampaignID: &id}, 0},
		{"manual", queue.WakeMessage{Reason: queue.WakeReasonManual}, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := &recordingWaker{}
			apply(w, tc.msg)
			if len(w.resumed) != tc.want {
				t.Fatalf("expected %d resumes, got %d", tc.want, len(w.resumed))
			}
		})
	}
}
