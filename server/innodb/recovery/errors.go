package recovery

import "github.com/juju/errors"

var (
	ErrTransactionNotFound = errors.New("transaction not found in transaction table")
	ErrMissingMasterRecord = errors.New("missing master record")
	ErrMalformedLog        = errors.New("malformed log")
	ErrSavepointNotFound   = errors.New("savepoint not found")
	ErrRecordNotUndoable   = errors.New("log record is not undoable")
)
