package reports

import (
	"encoding/csv"
	"io"
	"os"
	"sort"
	"strconv"
	"time"

	"fleetwatch/internal/model"
)

// Column names of the portal exports.
const (
	colVehicleNo = "Vehicle No"
	colStatus    = "Status"
	colAddress   = "Address"
	colSpeed     = "Speed"
	colOdometer  = "Odometer"
	colLatitude  = "Latitude"
	colLongitude = "Longitude"
	colDateTime  = "DateTime"
)

// ReadPings parses a telemetry export. Malformed coordinates become NaN and
// malformed timestamps the zero time; rows are kept so callers decide.
func ReadPings(r io.Reader, loc *time.Location) ([]model.Ping, error) {
	t, err := readTable(r)
	if err != nil {
		return nil, err
	}
	out := make([]model.Ping, 0, len(t.rows))
	for _, row := range t.rows {
		out = append(out, model.Ping{
			VehicleID: t.get(row, colVehicleNo),
			Time:      ParseTime(t.get(row, colDateTime), loc),
			Status:    model.Status(t.get(row, colStatus)),
			Lat:       parseFloat(t.get(row, colLatitude)),
			Lon:       parseFloat(t.get(row, colLongitude)),
			Address:   t.get(row, colAddress),
			Speed:     parseFloat(t.get(row, colSpeed)),
			Odometer:  parseFloat(t.get(row, colOdometer)),
		})
	}
	return out, nil
}

// LoadPings reads a telemetry export from disk.
func LoadPings(path string, loc *time.Location) ([]model.Ping, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return ReadPings(f, loc)
}

// WritePings writes pings back in the export layout.
func WritePings(w io.Writer, pings []model.Ping) error {
	cw := csv.NewWriter(w)
	_ = cw.Write([]string{colVehicleNo, colStatus, colAddress, colSpeed, colOdometer, colLatitude, colLongitude, colDateTime})
	for _, p := range pings {
		_ = cw.Write([]string{
			p.VehicleID, string(p.Status), p.Address,
			formatFloat(p.Speed), formatFloat(p.Odometer), formatFloat(p.Lat), formatFloat(p.Lon),
			formatTime(p.Time),
		})
	}
	cw.Flush()
	return cw.Error()
}

// ReadIdleReport parses the over-idle export.
func ReadIdleReport(path string, loc *time.Location) ([]model.IdleReportRow, error) {
	t, err := openTable(path)
	if err != nil {
		return nil, err
	}
	out := make([]model.IdleReportRow, 0, len(t.rows))
	for _, row := range t.rows {
		d, err := ParseDuration(t.get(row, "Duration"))
		if err != nil {
			continue
		}
		out = append(out, model.IdleReportRow{
			VehicleID: t.get(row, "Vehicle Number"),
			Driver:    t.get(row, "Driver"),
			Location:  t.get(row, "Location"),
			IdleFrom:  ParseTime(t.get(row, "Idle From"), loc),
			IdleTill:  ParseTime(t.get(row, "Idle Till"), loc),
			Duration:  d,
		})
	}
	return out, nil
}

// ReadPerformance parses the driver-performance export. Blank counters read as zero.
func ReadPerformance(path string, loc *time.Location) ([]model.PerformanceRow, error) {
	t, err := openTable(path)
	if err != nil {
		return nil, err
	}
	out := make([]model.PerformanceRow, 0, len(t.rows))
	for _, row := range t.rows {
		vehicle := t.get(row, "No of Vehicles")
		if vehicle == "" {
			vehicle = t.get(row, "Vehicle")
		}
		km := parseFloat(t.get(row, "KM"))
		out = append(out, model.PerformanceRow{
			Driver:            t.get(row, "Driver"),
			VehicleID:         vehicle,
			KM:                km,
			HarshBrake:        parseCount(t.get(row, "Harsh Break")),
			HarshAcceleration: parseCount(t.get(row, "Harsh Acceleration")),
			OverSpeed:         parseCount(t.get(row, "Over Speed")),
			Login:             ParseTime(t.get(row, "Login Time"), loc),
			Logout:            ParseTime(t.get(row, "Logout Time"), loc),
		})
	}
	return out, nil
}

// ReadGeofence parses the geofence visit export. An open visit has a zero Out.
func ReadGeofence(path string, loc *time.Location) ([]model.GeofenceRow, error) {
	t, err := openTable(path)
	if err != nil {
		return nil, err
	}
	out := make([]model.GeofenceRow, 0, len(t.rows))
	for _, row := range t.rows {
		vehicle := t.get(row, "Vehicle No")
		if vehicle == "" {
			vehicle = t.get(row, "Vehicle")
		}
		out = append(out, model.GeofenceRow{
			VehicleID: vehicle,
			Driver:    t.get(row, "Driver"),
			Geofence:  t.get(row, "Geofence"),
			Type:      t.get(row, "Type"),
			In:        ParseTime(t.get(row, "In Time"), loc),
			Out:       ParseTime(t.get(row, "Out Time"), loc),
			Elapsed:   t.get(row, "Elapsed Time Inside The Geofence"),
		})
	}
	return out, nil
}

var idlePointsHeader = []string{"Vehicle No", "Status", "Date", "GeoCluster", "Latitude", "Longitude", "Address", "StartTime", "EndTime", "Duration"}

// WriteIdlePoints writes the aggregated segment table.
func WriteIdlePoints(w io.Writer, segs []model.StopSegment) error {
	cw := csv.NewWriter(w)
	_ = cw.Write(idlePointsHeader)
	for _, s := range segs {
		_ = cw.Write([]string{
			s.VehicleID, string(s.Status), s.Date, strconv.Itoa(s.Cluster),
			formatFloat(s.Lat), formatFloat(s.Lon), s.Address,
			formatTime(s.Start), formatTime(s.End), FormatClock(s.Duration),
		})
	}
	cw.Flush()
	return cw.Error()
}

// ReadIdlePoints parses the aggregated segment table. Rows with an unreadable
// duration or date are skipped.
func ReadIdlePoints(r io.Reader, loc *time.Location) ([]model.StopSegment, error) {
	t, err := readTable(r)
	if err != nil {
		return nil, err
	}
	out := make([]model.StopSegment, 0, len(t.rows))
	for _, row := range t.rows {
		d, err := ParseDuration(t.get(row, "Duration"))
		if err != nil {
			continue
		}
		date := t.get(row, "Date")
		if _, err := time.Parse("2006-01-02", date); err != nil {
			continue
		}
		cluster, _ := strconv.Atoi(t.get(row, "GeoCluster"))
		out = append(out, model.StopSegment{
			VehicleID: t.get(row, "Vehicle No"),
			Status:    model.Status(t.get(row, "Status")),
			Date:      date,
			Cluster:   cluster,
			Lat:       parseFloat(t.get(row, "Latitude")),
			Lon:       parseFloat(t.get(row, "Longitude")),
			Address:   t.get(row, "Address"),
			Start:     ParseTime(t.get(row, "StartTime"), loc),
			End:       ParseTime(t.get(row, "EndTime"), loc),
			Duration:  d,
		})
	}
	return out, nil
}

// LoadIdlePoints reads the aggregated segment table from disk.
func LoadIdlePoints(path string, loc *time.Location) ([]model.StopSegment, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return ReadIdlePoints(f, loc)
}

// VehicleIDs lists the distinct vehicle ids, sorted.
func VehicleIDs(pings []model.Ping) []string {
	seen := map[string]struct{}{}
	for _, p := range pings {
		if p.VehicleID != "" {
			seen[p.VehicleID] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format("2006-01-02 15:04:05")
}
