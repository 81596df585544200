package automation

import (
	"github.com/medofficehq/automation/pkg/common/logger"
	"github.com/medofficehq/automation/pkg/observability/metrics"
)

// Reconcile merges raw result fragments into one record per appointment.
//
// Fragments are visited in arrival order. Records keep the order in which
// their appointment first appeared, the first-seen patient fields, the sum of
// all four counters, and at most one detail per rule (first occurrence wins).
// Fragments without any appointment id are dropped. The input is not
// modified and the output shares no memory with it.
func Reconcile(fragments []Fragment) []ResultRecord {
	records := make([]ResultRecord, 0, len(fragments))
	index := make(map[string]int, len(fragments))
	seenRules := make([]map[RuleNumber]struct{}, 0, len(fragments))

	for i, f := range fragments {
		key := f.Key()
		if key == "" {
			metrics.RecordReconciliationGap()
			logger.WithField("fragment_index", i).Warn("dropping result fragment without appointment id")
			continue
		}

		pos, ok := index[key]
		if !ok {
			pos = len(records)
			index[key] = pos
			records = append(records, ResultRecord{
				AppointmentID:   key,
				AppointmentDate: f.AppointmentDate,
				PatientID:       f.patientID(),
				FirstName:       f.FirstName,
				LastName:        f.LastName,
				DateOfBirth:     f.DateOfBirth,
				Details:         make([]ResultDetail, 0, len(f.Details)),
			})
			seenRules = append(seenRules, make(map[RuleNumber]struct{}, len(f.Details)))
		}

		rec := &records[pos]
		rec.Counters = rec.Counters.add(f.Counters)
		for _, d := range f.Details {
			if _, dup := seenRules[pos][d.RuleNumber]; dup {
				continue
			}
			seenRules[pos][d.RuleNumber] = struct{}{}
			rec.Details = append(rec.Details, d)
		}
	}

	return records
}

// Fragments converts reconciled records back into raw fragments.
func Fragments(records []ResultRecord) []Fragment {
	out := make([]Fragment, 0, len(records))
	for _, r := range records {
		out = append(out, r.Fragment())
	}
	return out
}

// FindRecord returns the record for appointmentID.
func FindRecord(records []ResultRecord, appointmentID string) (ResultRecord, bool) {
	for _, r := range records {
		if r.AppointmentID == appointmentID {
			return r, true
		}
	}
	return ResultRecord{}, false
}
