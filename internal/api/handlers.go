package api

import (
    "errors"
    "log"
    "net/http"
    "os"
    "sort"
    "strings"
    "time"

    "fleetwatch/internal/compare"
    "fleetwatch/internal/customers"
    "fleetwatch/internal/model"
    "fleetwatch/internal/stops"
)

// HealthHandler handles GET /healthz
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
    writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ReadyHandler handles GET /readyz
func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
    if s.Ready != nil {
        if err := s.Ready(r.Context()); err != nil {
            writeProblem(w, http.StatusServiceUnavailable, "Not ready", err.Error(), r.URL.Path)
            return
        }
    }
    writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type compareRequest struct {
    VehicleIDs   []string `json:"vehicle_ids" validate:"required,min=1,dive,required"`
    DateCurrent  string   `json:"date_current" validate:"required,datetime=2006-01-02"`
    StartCurrent string   `json:"t_start_current"`
    EndCurrent   string   `json:"t_end_current"`
    DatePast     string   `json:"date_past" validate:"omitempty,datetime=2006-01-02"`
    StartPast    string   `json:"t_start_past"`
    EndPast      string   `json:"t_end_past"`
}

// CompareHandler handles POST /v1/compare. Without date_past the current
// window is compared against the planned route.
func (s *Server) CompareHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodPost { w.WriteHeader(http.StatusMethodNotAllowed); return }
    var req compareRequest
    if !decodeJSON(w, r, &req) { return }
    cur, err := compare.ParseWindow(req.DateCurrent, req.StartCurrent, req.EndCurrent, s.location())
    if err != nil {
        writeProblem(w, http.StatusBadRequest, "Invalid current window", err.Error(), r.URL.Path)
        return
    }
    creq := compare.Request{VehicleIDs: req.VehicleIDs, Current: cur}
    if req.DatePast != "" {
        past, err := compare.ParseWindow(req.DatePast, req.StartPast, req.EndPast, s.location())
        if err != nil {
            writeProblem(w, http.StatusBadRequest, "Invalid past window", err.Error(), r.URL.Path)
            return
        }
        creq.Past = &past
    }
    rep := s.Compare.Compare(r.Context(), creq)
    writeJSON(w, http.StatusOK, rep)
}

// StopsHandler handles GET /v1/stops?vehicle_ids=..&date=..&t_start=..&t_end=..
func (s *Server) StopsHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
    ids := queryList(r, "vehicle_ids")
    if len(ids) == 0 {
        writeProblem(w, http.StatusBadRequest, "Invalid request", "vehicle_ids required", r.URL.Path)
        return
    }
    q := r.URL.Query()
    date := q.Get("date")
    if date == "" { date = time.Now().In(s.location()).Format("2006-01-02") }
    win, err := compare.ParseWindow(date, q.Get("t_start"), q.Get("t_end"), s.location())
    if err != nil {
        writeProblem(w, http.StatusBadRequest, "Invalid window", err.Error(), r.URL.Path)
        return
    }
    opts := stops.Options{Start: win.Start, End: win.End}
    radius, err := queryFloat(r, "radius", stops.DefaultRadius)
    if err != nil { writeProblem(w, http.StatusBadRequest, "Invalid request", err.Error(), r.URL.Path); return }
    minPings, err := queryInt(r, "min_pings", stops.DefaultMinPings)
    if err != nil { writeProblem(w, http.StatusBadRequest, "Invalid request", err.Error(), r.URL.Path); return }
    minMinutes, err := queryFloat(r, "min_duration", stops.DefaultMinDuration.Minutes())
    if err != nil { writeProblem(w, http.StatusBadRequest, "Invalid request", err.Error(), r.URL.Path); return }
    opts.Radius, opts.MinPings, opts.MinDuration = radius, minPings, time.Duration(minMinutes*float64(time.Minute))

    pings, err := s.Pings.Window(r.Context(), ids, win.Start, win.End)
    if err != nil {
        writeProblem(w, http.StatusInternalServerError, "Telemetry unavailable", err.Error(), r.URL.Path)
        return
    }
    out := stops.Extract(pings, ids, opts)
    writeJSON(w, http.StatusOK, map[string]any{"stops": out, "count": len(out)})
}

type vehicleInfo struct {
    VehicleID   string `json:"vehicleId"`
    Alias       string `json:"alias,omitempty"`
    DisplayName string `json:"displayName"`
}

// VehiclesHandler handles GET /v1/vehicles: vehicles in today's export plus
// every aliased vehicle.
func (s *Server) VehiclesHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
    seen := map[string]struct{}{}
    if s.Pings != nil {
        ids, err := s.Pings.Vehicles(r.Context())
        if err != nil && !errors.Is(err, os.ErrNotExist) {
            writeProblem(w, http.StatusInternalServerError, "Telemetry unavailable", err.Error(), r.URL.Path)
            return
        }
        for _, id := range ids { seen[id] = struct{}{} }
    }
    aliases := map[string]string{}
    if s.Aliases != nil { aliases = s.Aliases.Aliases() }
    for id := range aliases { seen[id] = struct{}{} }
    out := make([]vehicleInfo, 0, len(seen))
    for id := range seen {
        v := vehicleInfo{VehicleID: id, Alias: aliases[id], DisplayName: id}
        if v.Alias != "" { v.DisplayName = v.Alias + " (" + id + ")" }
        out = append(out, v)
    }
    sort.Slice(out, func(i, j int) bool { return out[i].VehicleID < out[j].VehicleID })
    writeJSON(w, http.StatusOK, map[string]any{"vehicles": out})
}

// pointParams reads the aggregation parameters from the query, defaulting to
// the service's configured parameters.
func (s *Server) pointParams(r *http.Request) (customers.Params, error) {
    p := customers.DefaultParams()
    if s.Compare != nil && s.Compare.PointParams.MinStopCount > 0 { p = s.Compare.PointParams }
    mins, err := queryFloat(r, "min_duration", p.MinDuration.Minutes())
    if err != nil { return p, err }
    if mins < 0 { return p, errors.New("min_duration must be >= 0") }
    p.MinDuration = time.Duration(mins * float64(time.Minute))
    if p.MinStopCount, err = queryInt(r, "min_stop_count", p.MinStopCount); err != nil { return p, err }
    if p.MinStopCount < 1 { return p, errors.New("min_stop_count must be >= 1") }
    if p.SegmentAreas, err = queryBool(r, "segment_areas", p.SegmentAreas); err != nil { return p, err }
    return p, nil
}

func (s *Server) loadPoints(w http.ResponseWriter, r *http.Request) ([]model.CustomerPoint, bool) {
    p, err := s.pointParams(r)
    if err != nil {
        writeProblem(w, http.StatusBadRequest, "Invalid request", err.Error(), r.URL.Path)
        return nil, false
    }
    points, err := s.Customers.LoadMerged(r.Context(), p)
    if errors.Is(err, os.ErrNotExist) {
        writeProblem(w, http.StatusNotFound, "Idle points not found", "run preprocess first", r.URL.Path)
        return nil, false
    }
    if err != nil {
        writeProblem(w, http.StatusInternalServerError, "Load customer points failed", err.Error(), r.URL.Path)
        return nil, false
    }
    q := r.URL.Query()
    return customers.Filter(points, strings.TrimSpace(q.Get("vehicle")), strings.TrimSpace(q.Get("weekday"))), true
}

// CustomerPointsHandler handles GET /v1/customer-points
func (s *Server) CustomerPointsHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
    points, ok := s.loadPoints(w, r)
    if !ok { return }
    writeJSON(w, http.StatusOK, map[string]any{"points": points, "count": len(points)})
}

// CustomerPointsSummaryHandler handles GET /v1/customer-points/summary
func (s *Server) CustomerPointsSummaryHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
    points, ok := s.loadPoints(w, r)
    if !ok { return }
    writeJSON(w, http.StatusOK, customers.Summary(points))
}

// CustomerEditsHandler handles GET/POST/DELETE /v1/customer-edits
func (s *Server) CustomerEditsHandler(w http.ResponseWriter, r *http.Request) {
    edits := s.Customers.Edits
    switch r.Method {
    case http.MethodGet:
        items, err := edits.List(queryList(r, "vehicle"), queryList(r, "weekday"))
        if err != nil {
            writeProblem(w, http.StatusInternalServerError, "List edits failed", err.Error(), r.URL.Path)
            return
        }
        writeJSON(w, http.StatusOK, map[string]any{"items": items})
    case http.MethodPost:
        // Add assigns the id and validates, so skip request validation here.
        var in model.CustomerEdit
        if !decodeBody(w, r, &in) { return }
        out, err := edits.Add(in)
        if err != nil {
            writeProblem(w, http.StatusBadRequest, "Invalid customer edit", err.Error(), r.URL.Path)
            return
        }
        writeJSON(w, http.StatusCreated, out)
    case http.MethodDelete:
        if err := edits.Clear(); err != nil {
            writeProblem(w, http.StatusInternalServerError, "Clear edits failed", err.Error(), r.URL.Path)
            return
        }
        w.WriteHeader(http.StatusNoContent)
    default:
        w.WriteHeader(http.StatusMethodNotAllowed)
    }
}

// CustomerEditByIDHandler handles PATCH/DELETE /v1/customer-edits/{id} and
// the CSV export/import endpoints.
func (s *Server) CustomerEditByIDHandler(w http.ResponseWriter, r *http.Request) {
    edits := s.Customers.Edits
    id := pathID(r.URL.Path, "/v1/customer-edits/")
    switch {
    case id == "export" && r.Method == http.MethodGet:
        w.Header().Set("Content-Type", "text/csv")
        w.Header().Set("Content-Disposition", `attachment; filename="customer_edits.csv"`)
        if err := edits.Export(w); err != nil {
            log.Printf("api: export edits: %v", err)
        }
        return
    case id == "import" && r.Method == http.MethodPost:
        n, err := edits.Import(r.Body)
        if err != nil {
            writeProblem(w, http.StatusBadRequest, "Import failed", err.Error(), r.URL.Path)
            return
        }
        writeJSON(w, http.StatusOK, map[string]any{"imported": n})
        return
    case id == "":
        writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
        return
    }
    var (
        out model.CustomerEdit
        err error
    )
    switch r.Method {
    case http.MethodPatch:
        var patch customers.EditPatch
        if !decodeJSON(w, r, &patch) { return }
        out, err = edits.Update(id, patch)
    case http.MethodDelete:
        out, err = edits.Remove(id)
    default:
        w.WriteHeader(http.StatusMethodNotAllowed)
        return
    }
    if errors.Is(err, customers.ErrEditNotFound) {
        writeProblem(w, http.StatusNotFound, "Customer edit not found", id, r.URL.Path)
        return
    }
    if err != nil {
        writeProblem(w, http.StatusBadRequest, "Edit failed", err.Error(), r.URL.Path)
        return
    }
    writeJSON(w, http.StatusOK, out)
}

// AlertLogsHandler handles GET /v1/alerts/logs?date=YYYY-MM-DD
func (s *Server) AlertLogsHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
    day := strings.TrimSpace(r.URL.Query().Get("date"))
    if day != "" {
        if _, err := time.Parse("2006-01-02", day); err != nil {
            writeProblem(w, http.StatusBadRequest, "Invalid date", err.Error(), r.URL.Path)
            return
        }
    }
    logs, err := s.Store.ListAlerts(r.Context(), day)
    if err != nil {
        writeProblem(w, http.StatusInternalServerError, "List alert logs failed", err.Error(), r.URL.Path)
        return
    }
    total := 0
    for _, entries := range logs { total += len(entries) }
    writeJSON(w, http.StatusOK, map[string]any{"dailyLogs": logs, "total": total})
}
