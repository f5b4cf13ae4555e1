package printfleet

import "testing"

func TestMetricsCounters(t *testing.T) {
	m := NewMetrics()

	m.RecordCommand(1000, true)
	m.RecordCommand(3000, false)
	m.RecordPoll(true)
	m.RecordPoll(false)
	m.RecordUploadLine(32)
	m.RecordUploadLine(48)
	m.RecordUpload(80, 2_000_000_000, true)
	m.RecordUpload(0, 0, false)
	m.RecordCancel()
	m.RecordDisconnect()

	snap := m.Snapshot()
	if snap.CommandsSent != 2 || snap.CommandErrors != 1 {
		t.Errorf("commands = %d/%d errors, want 2/1", snap.CommandsSent, snap.CommandErrors)
	}
	if snap.Polls != 2 || snap.PollErrors != 1 {
		t.Errorf("polls = %d/%d errors, want 2/1", snap.Polls, snap.PollErrors)
	}
	if snap.UploadLines != 2 || snap.UploadBytes != 80 {
		t.Errorf("upload lines/bytes = %d/%d, want 2/80", snap.UploadLines, snap.UploadBytes)
	}
	if snap.Uploads != 1 || snap.UploadErrors != 1 {
		t.Errorf("uploads = %d/%d errors, want 1/1", snap.Uploads, snap.UploadErrors)
	}
	if snap.Cancels != 1 || snap.Disconnects != 1 {
		t.Errorf("cancels/disconnects = %d/%d, want 1/1", snap.Cancels, snap.Disconnects)
	}
	if snap.AvgCommandLatencyNs != 2000 {
		t.Errorf("avg latency = %d, want 2000", snap.AvgCommandLatencyNs)
	}
	if snap.UploadBandwidth != 40.0 {
		t.Errorf("upload bandwidth = %v, want 40", snap.UploadBandwidth)
	}
}

func TestMetricsReset(t *testing.T) {
	m := NewMetrics()
	m.RecordCommand(1000, true)
	m.RecordUploadLine(10)
	m.Reset()

	snap := m.Snapshot()
	if snap.CommandsSent != 0 || snap.UploadLines != 0 || snap.UploadBytes != 0 {
		t.Errorf("counters survived reset: %+v", snap)
	}
}

func TestMetricsObserverForwards(t *testing.T) {
	m := NewMetrics()
	var o Observer = NewMetricsObserver(m)

	o.ObserveCommand(500, true)
	o.ObservePoll(true)
	o.ObserveUploadLine(16)
	o.ObserveUpload(16, 1000, true)
	o.ObserveCancel()
	o.ObserveDisconnect()

	snap := m.Snapshot()
	if snap.CommandsSent != 1 || snap.Polls != 1 || snap.UploadLines != 1 ||
		snap.Uploads != 1 || snap.Cancels != 1 || snap.Disconnects != 1 {
		t.Errorf("observer did not forward all observations: %+v", snap)
	}
}

func TestNoOpObserver(t *testing.T) {
	var o Observer = NoOpObserver{}
	o.ObserveCommand(1, true)
	o.ObservePoll(false)
	o.ObserveUpload(1, 1, false)
	o.ObserveUploadLine(1)
	o.ObserveCancel()
	o.ObserveDisconnect()
}
