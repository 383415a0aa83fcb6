package orchestrator

import (
	"fmt"
	"time"

	"github.com/scylladb/termtables"
)

type DomainResult struct {
	Domain        string
	State         State
	Satisfied     bool // renewal not due, nothing was done
	RemainingDays int
	NotAfter      time.Time // of the newly issued certificate
	Err           error
	CleanupErr    error // record deletion failed. does not fail the domain
	Transitions   []Transition
}

func (d DomainResult) Status() string {
	switch {
	case d.Satisfied:
		return "satisfied"
	case d.State == Failed:
		return "failed"
	case d.State == CleanedUp:
		return "issued"
	default:
		return string(d.State)
	}
}

type Report struct {
	RunId     string
	Started   time.Time
	Finished  time.Time
	Results   []DomainResult // in input order
	CommitErr error

	// set by callers that push the result onwards (e.g. into an appliance)
	ApplianceErr error
}

func (r *Report) Result(fqdn string) *DomainResult {
	for i := range r.Results {
		if r.Results[i].Domain == fqdn {
			return &r.Results[i]
		}
	}

	return nil
}

// domains that got a new certificate persisted
func (r *Report) Issued() []string {
	issued := []string{}
	for _, res := range r.Results {
		if res.State == CleanedUp {
			issued = append(issued, res.Domain)
		}
	}

	return issued
}

func (r *Report) Failed() []string {
	failed := []string{}
	for _, res := range r.Results {
		if res.State == Failed {
			failed = append(failed, res.Domain)
		}
	}

	return failed
}

func (r *Report) Ok() bool {
	return len(r.Failed()) == 0 && r.CommitErr == nil && r.ApplianceErr == nil
}

func (r *Report) Table() string {
	table := termtables.CreateTable()
	table.AddHeaders("Domain", "Status", "Days left", "Detail")

	for _, res := range r.Results {
		detail := ""
		switch {
		case res.Err != nil:
			detail = res.Err.Error()
		case res.CleanupErr != nil:
			detail = fmt.Sprintf("record not removed: %v", res.CleanupErr)
		}

		daysLeft := "-"
		if res.Satisfied || res.State == CleanedUp {
			daysLeft = fmt.Sprintf("%d", res.RemainingDays)
		}

		table.AddRow(res.Domain, res.Status(), daysLeft, detail)
	}

	return table.Render()
}
