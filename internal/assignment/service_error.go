package assignment

import "fmt"

// ServiceError carries a stable dotted code alongside the underlying cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opAllocatorNew    = "assignment.allocator.new"
	opAllocate        = "assignment.allocate"
	opLedgerNew       = "assignment.ledger.new"
	opUnderServed     = "assignment.under_served_items"
	opItemsAssignedTo = "assignment.items_assigned_to"
	opIsAssigned      = "assignment.is_assigned"
	opAssignmentStats = "assignment.stats"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}
