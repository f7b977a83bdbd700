// Package database holds the error types shared by every storage backend
// Gabriel uses (the goleveldb-backed UTXO Index and the sqlite-backed
// Aggregates Store), so that callers can branch on error kind without
// importing the backend package directly.
package database

// NotFoundError indicates the requested record does not exist.
type NotFoundError string

func (e NotFoundError) Error() string { return string(e) }

func (e NotFoundError) Is(target error) bool {
	_, ok := target.(NotFoundError)
	return ok
}

// DuplicateError indicates an insert collided with an existing record.
type DuplicateError string

func (e DuplicateError) Error() string { return string(e) }

func (e DuplicateError) Is(target error) bool {
	_, ok := target.(DuplicateError)
	return ok
}

// ZeroRowsError indicates a query found no rows where one was looked
// for, such as the Aggregates Store's ChainTip before any block has been
// committed; callers that treat an empty store as normal branch on it
// rather than failing.
type ZeroRowsError string

func (e ZeroRowsError) Error() string { return string(e) }

func (e ZeroRowsError) Is(target error) bool {
	_, ok := target.(ZeroRowsError)
	return ok
}

// ErrZeroRows and ErrDuplicate are sentinels callers match against with
// ErrZeroRows.Is(err) / ErrDuplicate.Is(err) rather than errors.Is.
var (
	ErrZeroRows ZeroRowsError  = "zero rows affected"
	ErrDuplicate DuplicateError = "duplicate"
)
