package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/sandvfs/sandvfs/core/codes"
	"github.com/sandvfs/sandvfs/core/pool"
)

// APIResponse is the standard API response wrapper.
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *APIError   `json:"error,omitempty"`
	Meta    *APIMeta    `json:"meta,omitempty"`
}

// APIError represents an API error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// APIMeta contains response metadata.
type APIMeta struct {
	Total     int    `json:"total,omitempty"`
	Timestamp string `json:"timestamp"`
}

// PoolInfo describes a pool.
type PoolInfo struct {
	Name       string   `json:"name"`
	InstanceID string   `json:"instance_id"`
	Capacity   int      `json:"capacity"`
	FileCount  int      `json:"file_count"`
	OpenFiles  int      `json:"open_files"`
	Paused     bool     `json:"paused"`
	Files      []string `json:"files,omitempty"`
}

// CapacityRequest is the request body for capacity changes.
type CapacityRequest struct {
	Add    int `json:"add,omitempty"`
	Reduce int `json:"reduce,omitempty"`
}

// ImportResult reports the outcome of a file import.
type ImportResult struct {
	Pool  string `json:"pool"`
	File  string `json:"file"`
	Bytes int64  `json:"bytes"`
}

// HealthInfo is the health check response.
type HealthInfo struct {
	Status string `json:"status"`
	Uptime string `json:"uptime"`
}

var startTime = time.Now()

func handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "Endpoint not found")
		return
	}

	respond(w, http.StatusOK, map[string]interface{}{
		"name": "SandVFS API",
		"endpoints": []string{
			"GET /health",
			"GET /pools/:name",
			"DELETE /pools/:name",
			"POST /pools/:name/capacity",
			"POST /pools/:name/pause",
			"POST /pools/:name/unpause",
			"GET /pools/:name/files",
			"GET /pools/:name/files/*path",
			"PUT /pools/:name/files/*path",
			"DELETE /pools/:name/files/*path",
			"WS /ws",
		},
	})
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Only GET is allowed")
		return
	}

	respond(w, http.StatusOK, HealthInfo{
		Status: "healthy",
		Uptime: time.Since(startTime).String(),
	})
}

// openPool opens the named pool under the configured root.
func openPool(name string) (*pool.Pool, error) {
	return pool.Open(name, pool.Options{
		Root:     ServerConfig.Root,
		Capacity: ServerConfig.DefaultCapacity,
	})
}

// handlePools routes /pools/:name and everything below it.
func handlePools(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/pools/")
	if rest == "" {
		respondError(w, http.StatusBadRequest, "MISSING_POOL", "Pool name required")
		return
	}

	name, sub, _ := strings.Cut(rest, "/")
	if name == "" || strings.Contains(name, "..") {
		respondError(w, http.StatusBadRequest, "INVALID_POOL", "Invalid pool name")
		return
	}

	switch {
	case sub == "":
		handlePool(w, r, name)
	case sub == "capacity":
		handleCapacity(w, r, name)
	case sub == "pause":
		handlePause(w, r, name, true)
	case sub == "unpause":
		handlePause(w, r, name, false)
	case sub == "files":
		handleFileList(w, r, name)
	case strings.HasPrefix(sub, "files/"):
		handleFile(w, r, name, strings.TrimPrefix(sub, "files"))
	default:
		respondError(w, http.StatusNotFound, "NOT_FOUND", "Endpoint not found")
	}
}

func handlePool(w http.ResponseWriter, r *http.Request, name string) {
	switch r.Method {
	case http.MethodGet:
		p, err := openPool(name)
		if err != nil {
			respondStorageError(w, err)
			return
		}
		respond(w, http.StatusOK, poolInfo(p))

	case http.MethodDelete:
		if !pool.Remove(name, ServerConfig.Root) {
			respondError(w, http.StatusNotFound, "NOT_FOUND", "Pool not found")
			return
		}
		BroadcastPoolEvent(name, "removed", "Pool removed", nil)
		respond(w, http.StatusOK, map[string]string{"removed": name})

	default:
		respondError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Only GET and DELETE are allowed")
	}
}

func poolInfo(p *pool.Pool) PoolInfo {
	return PoolInfo{
		Name:       p.Name(),
		InstanceID: p.InstanceID().String(),
		Capacity:   p.Capacity(),
		FileCount:  p.FileCount(),
		OpenFiles:  p.OpenFileCount(),
		Paused:     p.Paused(),
		Files:      p.FileNames(),
	}
}

func handleCapacity(w http.ResponseWriter, r *http.Request, name string) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Only POST is allowed")
		return
	}

	var req CapacityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body")
		return
	}
	if (req.Add <= 0) == (req.Reduce <= 0) {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "Exactly one of add or reduce must be positive")
		return
	}

	p, err := openPool(name)
	if err != nil {
		respondStorageError(w, err)
		return
	}

	var capacity int
	if req.Add > 0 {
		capacity, err = p.AddCapacity(req.Add)
	} else {
		capacity, err = p.ReduceCapacity(req.Reduce)
	}
	if err != nil {
		respondStorageError(w, err)
		return
	}

	BroadcastPoolEvent(name, "capacity_changed", "Pool capacity changed",
		map[string]interface{}{"capacity": capacity})
	respond(w, http.StatusOK, map[string]int{"capacity": capacity})
}

func handlePause(w http.ResponseWriter, r *http.Request, name string, pause bool) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Only POST is allowed")
		return
	}

	p, err := openPool(name)
	if err != nil {
		respondStorageError(w, err)
		return
	}

	if pause {
		err = p.Pause()
	} else {
		err = p.Unpause()
	}
	if err != nil {
		respondStorageError(w, err)
		return
	}

	event := "unpaused"
	if pause {
		event = "paused"
	}
	BroadcastPoolEvent(name, event, "Pool "+event, nil)
	respond(w, http.StatusOK, map[string]bool{"paused": pause})
}

func handleFileList(w http.ResponseWriter, r *http.Request, name string) {
	if r.Method != http.MethodGet {
		respondError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Only GET is allowed")
		return
	}

	p, err := openPool(name)
	if err != nil {
		respondStorageError(w, err)
		return
	}

	files := p.FileNames()
	response := APIResponse{
		Success: true,
		Data:    files,
		Meta: &APIMeta{
			Total:     len(files),
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		},
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleFile serves export, import, and delete for one logical file.
// With ?format=xz the export and import bodies are xz streams.
func handleFile(w http.ResponseWriter, r *http.Request, name, file string) {
	p, err := openPool(name)
	if err != nil {
		respondStorageError(w, err)
		return
	}
	useXZ := r.URL.Query().Get("format") == "xz"

	switch r.Method {
	case http.MethodGet:
		if useXZ {
			w.Header().Set("Content-Type", "application/x-xz")
			if err := p.ExportArchive(file, w); err != nil {
				respondStorageError(w, err)
			}
			return
		}
		data, err := p.ExportBytes(file)
		if err != nil {
			respondStorageError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(data)

	case http.MethodPut:
		var n int64
		if useXZ {
			n, err = p.ImportArchive(file, r.Body)
		} else {
			n, err = p.ImportChunks(file, pool.ReaderProducer(r.Body))
		}
		if err != nil {
			respondStorageError(w, err)
			return
		}
		BroadcastPoolEvent(name, "file_imported", "File imported",
			map[string]interface{}{"file": file, "bytes": n})
		respond(w, http.StatusOK, ImportResult{Pool: name, File: file, Bytes: n})

	case http.MethodDelete:
		if err := p.Release(file); err != nil {
			respondStorageError(w, err)
			return
		}
		BroadcastPoolEvent(name, "file_released", "File released",
			map[string]interface{}{"file": file})
		respond(w, http.StatusOK, map[string]string{"released": file})

	default:
		respondError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Only GET, PUT and DELETE are allowed")
	}
}

// respondStorageError maps the result-code taxonomy onto HTTP statuses.
func respondStorageError(w http.ResponseWriter, err error) {
	code := codes.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case codes.NotFound:
		status = http.StatusNotFound
	case codes.Busy:
		status = http.StatusConflict
	case codes.Misuse:
		status = http.StatusBadRequest
	case codes.ReadOnly:
		status = http.StatusForbidden
	case codes.CapacityExceeded:
		status = http.StatusInsufficientStorage
	case codes.IOTimeout:
		status = http.StatusGatewayTimeout
	}
	respondError(w, status, code.String(), err.Error())
}

func respond(w http.ResponseWriter, status int, data interface{}) {
	response := APIResponse{
		Success: true,
		Data:    data,
		Meta: &APIMeta{
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		},
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(response)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	response := APIResponse{
		Success: false,
		Error: &APIError{
			Code:    code,
			Message: message,
		},
		Meta: &APIMeta{
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		},
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(response)
}
