package importer

import "github.com/exitbook/ingestion/internal/domain"

// inferCursorType recognizes the well-known cursor value keys the
// blockchain and exchange source clients emit, so domain.CursorState
// can record which scheme a cursor uses without every client needing
// to set it explicitly.
func inferCursorType(value map[string]any) domain.CursorType {
	switch {
	case value == nil:
		return ""
	case hasKey(value, "fromBlock", "blockNumber", "blockHeight"):
		return domain.CursorTypeBlockNumber
	case hasKey(value, "pageKey", "pageToken", "cursor", "lastTxID"):
		return domain.CursorTypePageToken
	case hasKey(value, "offset"):
		return domain.CursorTypeOffset
	case hasKey(value, "since", "timestamp"):
		return domain.CursorTypeTimestamp
	default:
		return ""
	}
}

// lastEventID returns the EventID of the final record in records, the
// cursor's tiebreak value for records sharing an identical timestamp.
func lastEventID(records []domain.RawTransaction) string {
	if len(records) == 0 {
		return ""
	}
	return records[len(records)-1].EventID
}

func hasKey(m map[string]any, keys ...string) bool {
	for _, k := range keys {
		if _, ok := m[k]; ok {
			return true
		}
	}
	return false
}
