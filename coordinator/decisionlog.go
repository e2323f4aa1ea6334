package coordinator

import (
	"encoding/json"
	"log"
)

// SchedulingDecision is a single-line JSON record of one scheduling
// decision, logged at the moment the decision is made so an external log
// pipeline can reconstruct why a unit did or didn't run without
// instrumenting the coordinator itself.
type SchedulingDecision struct {
	Decision string `json:"decision"` // DISPATCH, SKIP, BLOCK, RETRY, STALL
	WorkID   string `json:"work_id"`
	Task     string `json:"task,omitempty"`
	Service  string `json:"service,omitempty"`
	Attempt  int    `json:"attempt,omitempty"`
	DelayMS  int64  `json:"delay_ms,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// logDecision emits d as single-line JSON via the standard logger.
func logDecision(d SchedulingDecision) {
	b, err := json.Marshal(d)
	if err != nil {
		log.Printf("coordinator: failed to marshal scheduling decision: %v", err)
		return
	}
	log.Println(string(b))
}
