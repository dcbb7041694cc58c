package api

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"missiontrack/internal/model"
	"missiontrack/internal/notify"
)

func validateSubscription(req *model.SubscriptionRequest) error {
	u, err := url.Parse(strings.TrimSpace(req.URL))
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("url must be an absolute http(s) URL")
	}
	if len(req.Events) == 0 {
		return fmt.Errorf("events must not be empty (use \"*\" for all)")
	}
	allowed := map[string]struct{}{"*": {}}
	for _, t := range notify.Types {
		allowed[t] = struct{}{}
	}
	for _, e := range req.Events {
		if _, ok := allowed[e]; !ok {
			return fmt.Errorf("unknown event type: %s (allowed: %s)", e, strings.Join(notify.Types, ","))
		}
	}
	return nil
}

// parseLimit reads a page size, clamping to max.
func parseLimit(v string, def, max int) (int, error) {
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("limit must be a positive integer")
	}
	if n > max {
		n = max
	}
	return n, nil
}
