package tools

import (
	"net"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	layoutInput = "2006-01-02T15:04"
	layoutDB    = "2006-01-02 15:04:05"
)

var privateBlocks = []*net.IPNet{
	mustParseCIDR("10.0.0.0/8"),
	mustParseCIDR("172.16.0.0/12"),
	mustParseCIDR("192.168.0.0/16"),
}

func mustParseCIDR(block string) *net.IPNet {
	_, cidr, err := net.ParseCIDR(block)
	if err != nil {
		panic(err)
	}
	return cidr
}

// Prevent out-of-network requests to dashboard endpoints
func CheckInNetwork(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			http.Error(w, "Invalid request", http.StatusBadRequest)
			return
		}
		parsedIP := net.ParseIP(ip)
		if parsedIP == nil {
			http.Error(w, "Invalid IP address", http.StatusBadRequest)
			return
		}
		if !isLocalAddress(parsedIP) {
			http.Error(w, "Access denied", http.StatusForbidden)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func isLocalAddress(ip net.IP) bool {
	if ip.IsLoopback() {
		return true
	}
	for _, cidr := range privateBlocks {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

// Get the start and end dates from the request, format them for comparison with the DB.
// Form values are read in loc, the default range is the last 8 hours.
func ParseStartAndEndDate(r *http.Request, loc *time.Location) (string, string) {
	r.ParseForm()
	startDate := r.FormValue("start")
	endDate := r.FormValue("end")
	if startDate == "" || endDate == "" {
		now := time.Now().UTC()
		return now.Add(-8 * time.Hour).Format(layoutDB), now.Format(layoutDB)
	}
	if loc == nil {
		loc = time.UTC
	}

	start, err := time.ParseInLocation(layoutInput, startDate, loc)
	if err != nil {
		log.Warnf("Error parsing start date: %v", err)
	} else {
		startDate = start.UTC().Format(layoutDB)
	}

	end, err := time.ParseInLocation(layoutInput, endDate, loc)
	if err != nil {
		log.Warnf("Error parsing end date: %v", err)
	} else {
		endDate = end.UTC().Format(layoutDB)
	}
	return startDate, endDate
}

func StartAndEndDateToTime(startDate string, endDate string) (time.Time, time.Time, error) {
	start, err := time.Parse(layoutDB, startDate)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	end, err := time.Parse(layoutDB, endDate)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return start, end, nil
}
