package fetch

import (
	"fmt"
	"strconv"
	"strings"
)

// contentRange is a parsed Content-Range header, "bytes start-end/total"
type contentRange struct {
	Start int64
	End   int64
	Total int64 // -1 if "*"
}

func (r contentRange) String() string {
	if r.Total < 0 {
		return fmt.Sprintf("bytes %d-%d/*", r.Start, r.End)
	}
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, r.Total)
}

// parseContentRange parses a Content-Range header value
func parseContentRange(value string) (contentRange, error) {
	value = strings.TrimSpace(value)
	if !strings.HasPrefix(value, "bytes ") {
		return contentRange{}, fmt.Errorf("invalid Content-Range %q", value)
	}

	parts := strings.SplitN(strings.TrimPrefix(value, "bytes "), "/", 2)
	if len(parts) != 2 {
		return contentRange{}, fmt.Errorf("invalid Content-Range %q", value)
	}

	bounds := strings.SplitN(parts[0], "-", 2)
	if len(bounds) != 2 {
		return contentRange{}, fmt.Errorf("invalid Content-Range %q", value)
	}

	start, err := strconv.ParseInt(strings.TrimSpace(bounds[0]), 10, 64)
	if err != nil || start < 0 {
		return contentRange{}, fmt.Errorf("invalid Content-Range %q", value)
	}

	end, err := strconv.ParseInt(strings.TrimSpace(bounds[1]), 10, 64)
	if err != nil || end < start {
		return contentRange{}, fmt.Errorf("invalid Content-Range %q", value)
	}

	total := int64(-1)
	if parts[1] != "*" {
		total, err = strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
		if err != nil || total <= end {
			return contentRange{}, fmt.Errorf("invalid Content-Range %q", value)
		}
	}

	return contentRange{
		Start: start,
		End:   end,
		Total: total,
	}, nil
}
