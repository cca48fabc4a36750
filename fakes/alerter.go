package fakes

import "sync"

type Alert struct {
	Subject string
	Body    string
}

// FakeAlerter records notifications instead of sending them.
type FakeAlerter struct {
	mu     sync.Mutex
	Err    error
	Alerts []Alert
}

func NewFakeAlerter() *FakeAlerter {
	return &FakeAlerter{}
}

func (f *FakeAlerter) Notify(subject, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	f.Alerts = append(f.Alerts, Alert{Subject: subject, Body: body})
	return nil
}
