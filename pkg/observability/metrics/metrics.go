package metrics

import (
	"fmt"
	"net/http"
	"sync/atomic"
)

var (
	usersRegistered    atomic.Int64
	registrationFailed atomic.Int64
	claimsRecorded     atomic.Int64
	claimsDuplicate    atomic.Int64
	claimsRejected     atomic.Int64
	eventsDropped      atomic.Int64
)

func ObserveRegistration(ok bool) {
	if ok {
		usersRegistered.Add(1)
		return
	}
	registrationFailed.Add(1)
}

func ObserveClaimRecorded() { claimsRecorded.Add(1) }

// ObserveClaimDuplicate counts callbacks refused because the subject or
// record was already claimed.
func ObserveClaimDuplicate() { claimsDuplicate.Add(1) }

func ObserveClaimRejected() { claimsRejected.Add(1) }

func ObserveEventDropped() { eventsDropped.Add(1) }

type Snapshot struct {
	UsersRegistered    int64
	RegistrationFailed int64
	ClaimsRecorded     int64
	ClaimsDuplicate    int64
	ClaimsRejected     int64
	EventsDropped      int64
}

func Read() Snapshot {
	return Snapshot{
		UsersRegistered:    usersRegistered.Load(),
		RegistrationFailed: registrationFailed.Load(),
		ClaimsRecorded:     claimsRecorded.Load(),
		ClaimsDuplicate:    claimsDuplicate.Load(),
		ClaimsRejected:     claimsRejected.Load(),
		EventsDropped:      eventsDropped.Load(),
	}
}

func WritePrometheus(w http.ResponseWriter) {
	s := Read()
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	writeCounter(w, "claimlink_registry_users_registered_total", "Users registered since start.", s.UsersRegistered)
	writeCounter(w, "claimlink_registry_registration_failed_total", "Registration attempts that did not create a record.", s.RegistrationFailed)
	writeCounter(w, "claimlink_registry_claims_recorded_total", "Claims credited to a user.", s.ClaimsRecorded)
	writeCounter(w, "claimlink_registry_claims_duplicate_total", "Callbacks refused because the claim was already used.", s.ClaimsDuplicate)
	writeCounter(w, "claimlink_registry_claims_rejected_total", "Callbacks refused for a malformed or untrusted claim.", s.ClaimsRejected)
	writeCounter(w, "claimlink_registry_events_dropped_total", "Registry events that could not be published.", s.EventsDropped)
}

func Handler(w http.ResponseWriter, _ *http.Request) {
	WritePrometheus(w)
}

func writeCounter(w http.ResponseWriter, name, help string, value int64) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s counter\n", name)
	fmt.Fprintf(w, "%s %d\n", name, value)
}
