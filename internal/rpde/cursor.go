package rpde

import (
	"net/url"
	"strconv"

	"openbooking/internal/bookingerr"
)

// Ordering is how a feed sequences its items. It is fixed when the feed is
// created.
type Ordering int

const (
	// OrderingChangeNumber orders items by a unique, incrementing change number.
	OrderingChangeNumber Ordering = iota + 1
	// OrderingModifiedID orders items by (modified, id).
	OrderingModifiedID
)

func (o Ordering) String() string {
	switch o {
	case OrderingChangeNumber:
		return "changeNumber"
	case OrderingModifiedID:
		return "modifiedId"
	}
	return "unknown"
}

// Query parameter names.
const (
	ParamAfterTimestamp    = "afterTimestamp"
	ParamAfterID           = "afterId"
	ParamAfterChangeNumber = "afterChangeNumber"
)

// Cursor is the position after which a page starts. The zero Cursor starts
// from the beginning of the feed.
type Cursor struct {
	Set          bool
	ChangeNumber int64
	Modified     int64
	ID           string
}

// AfterChangeNumber returns a change-number cursor.
func AfterChangeNumber(n int64) Cursor {
	return Cursor{Set: true, ChangeNumber: n}
}

// AfterModifiedID returns a (modified, id) cursor.
func AfterModifiedID(modified int64, id string) Cursor {
	return Cursor{Set: true, Modified: modified, ID: id}
}

// ParseCursor validates the raw query parameters for the given ordering.
// Empty strings mean the parameter was not supplied.
func ParseCursor(ordering Ordering, afterTimestamp, afterID, afterChangeNumber string) (Cursor, error) {
	switch ordering {
	case OrderingChangeNumber:
		if afterTimestamp != "" || afterID != "" {
			return Cursor{}, invalid("this feed is ordered by afterChangeNumber; afterTimestamp and afterId are not supported")
		}
		if afterChangeNumber == "" {
			return Cursor{}, nil
		}
		n, err := strconv.ParseInt(afterChangeNumber, 10, 64)
		if err != nil || n < 0 {
			return Cursor{}, invalid("afterChangeNumber must be a non-negative integer")
		}
		return AfterChangeNumber(n), nil

	case OrderingModifiedID:
		if afterChangeNumber != "" {
			return Cursor{}, invalid("this feed is ordered by afterTimestamp and afterId; afterChangeNumber is not supported")
		}
		if (afterTimestamp == "") != (afterID == "") {
			return Cursor{}, invalid("afterTimestamp and afterId must be supplied together")
		}
		if afterTimestamp == "" {
			return Cursor{}, nil
		}
		ts, err := strconv.ParseInt(afterTimestamp, 10, 64)
		if err != nil || ts < 0 {
			return Cursor{}, invalid("afterTimestamp must be a non-negative integer")
		}
		return AfterModifiedID(ts, afterID), nil
	}
	return Cursor{}, bookingerr.Internal(bookingerr.InternalConfiguration, "unknown feed ordering %d", ordering)
}

// ParseCursorQuery is ParseCursor over URL query values.
func ParseCursorQuery(ordering Ordering, q url.Values) (Cursor, error) {
	return ParseCursor(ordering, q.Get(ParamAfterTimestamp), q.Get(ParamAfterID), q.Get(ParamAfterChangeNumber))
}

// values renders the cursor as query parameters.
func (c Cursor) values(ordering Ordering) url.Values {
	v := url.Values{}
	if !c.Set {
		return v
	}
	if ordering == OrderingChangeNumber {
		v.Set(ParamAfterChangeNumber, strconv.FormatInt(c.ChangeNumber, 10))
	} else {
		v.Set(ParamAfterTimestamp, strconv.FormatInt(c.Modified, 10))
		v.Set(ParamAfterID, c.ID)
	}
	return v
}

// after reports whether item sorts strictly after the cursor.
func (c Cursor) after(ordering Ordering, item Item) bool {
	if !c.Set {
		return true
	}
	if ordering == OrderingChangeNumber {
		return item.ChangeNumber > c.ChangeNumber
	}
	return item.Modified > c.Modified || (item.Modified == c.Modified && item.ID > c.ID)
}

// cursorOf returns the cursor positioned at item.
func cursorOf(ordering Ordering, item Item) Cursor {
	if ordering == OrderingChangeNumber {
		return AfterChangeNumber(item.ChangeNumber)
	}
	return AfterModifiedID(item.Modified, item.ID)
}

func invalid(msg string) error {
	return bookingerr.New(bookingerr.CodeInvalidRPDEParameters, msg)
}
