package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/example/motopoint/internal/accounts"
	"github.com/example/motopoint/internal/dispatch"
	"github.com/example/motopoint/internal/matcher"
	"github.com/example/motopoint/internal/models"
)

const maxBodyBytes = 1 << 20

type errorBody struct {
	Error string `json:"error"`
}

type okBody struct {
	OK      bool                `json:"ok"`
	Request *models.RideRequest `json:"request,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps engine error kinds to status codes. Unclassified errors
// are store or upstream failures and are logged before surfacing as 500.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrInvalid):
		status = http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrConflict):
		status = http.StatusConflict
	default:
		s.logger.Error("request failed", "route", routeTemplate(r), "request_id", requestIDFromContext(r.Context()), "error", err)
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

// decode reads a JSON body. An empty body decodes as {} so the handler's
// own required-field check produces the error message.
func decode(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return models.Invalid("invalid JSON body")
}

type createRideRequest struct {
	PointID            string `json:"pointId"`
	ClientID           string `json:"clientId"`
	ClientName         string `json:"clientName"`
	DestinationAddress string `json:"destinationAddress"`
	ClientWhatsapp     string `json:"clientWhatsapp"`
}

func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request) {
	var req createRideRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	ride, err := s.engine.CreateRequest(r.Context(), matcher.CreateRideInput{
		PointID:            req.PointID,
		ClientID:           req.ClientID,
		ClientName:         req.ClientName,
		DestinationAddress: req.DestinationAddress,
		ClientContact:      req.ClientWhatsapp,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, okBody{OK: true, Request: ride})
}

type rideDriverRequest struct {
	RequestID string `json:"requestId"`
	DriverID  string `json:"driverId"`
}

func (s *Server) handleAcceptRide(w http.ResponseWriter, r *http.Request) {
	var req rideDriverRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	ride, err := s.engine.DirectAccept(r.Context(), req.RequestID, req.DriverID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, okBody{OK: true, Request: ride})
}

type proposePriceRequest struct {
	RequestID string           `json:"requestId"`
	DriverID  string           `json:"driverId"`
	Price     *decimal.Decimal `json:"price"`
}

func (s *Server) handleProposePrice(w http.ResponseWriter, r *http.Request) {
	var req proposePriceRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Price == nil {
		s.writeError(w, r, models.Invalid("requestId, driverId and price required"))
		return
	}
	p, err := s.engine.ProposePrice(r.Context(), req.RequestID, req.DriverID, *req.Price)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type respondProposalRequest struct {
	ProposalID string `json:"proposalId"`
	Accept     *bool  `json:"accept"`
}

func (s *Server) handleRespondProposal(w http.ResponseWriter, r *http.Request) {
	var req respondProposalRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Accept == nil {
		s.writeError(w, r, models.Invalid("proposalId and accept required"))
		return
	}
	ride, err := s.engine.RespondToProposal(r.Context(), req.ProposalID, *req.Accept)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, okBody{OK: true, Request: ride})
}

func (s *Server) handleRejectRide(w http.ResponseWriter, r *http.Request) {
	var req rideDriverRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	cancelled, err := s.engine.Reject(r.Context(), req.RequestID, req.DriverID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true, "cancelled": cancelled})
}

func (s *Server) handleCompleteRide(w http.ResponseWriter, r *http.Request) {
	var req rideDriverRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	ride, err := s.engine.Complete(r.Context(), req.RequestID, req.DriverID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, okBody{OK: true, Request: ride})
}

type driverStatusRequest struct {
	DriverID string `json:"driverId"`
	Online   *bool  `json:"online"`
}

func (s *Server) handleDriverStatus(w http.ResponseWriter, r *http.Request) {
	var req driverStatusRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Online == nil {
		s.writeError(w, r, models.Invalid("driverId and online required"))
		return
	}
	d, err := s.engine.SetDriverOnline(r.Context(), req.DriverID, *req.Online)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "driver": d})
}

type createDriverRequest struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	Name      string `json:"name"`
	PhotoURL  string `json:"photo_url"`
	MotoBrand string `json:"moto_brand"`
	MotoModel string `json:"moto_model"`
	MotoColor string `json:"moto_color"`
	MotoPlate string `json:"moto_plate"`
}

func (s *Server) handleCreateDriver(w http.ResponseWriter, r *http.Request) {
	var req createDriverRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.accounts.ProvisionDriver(r.Context(), accounts.DriverInput(req))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "userId": res.UserID, "driverId": res.DriverID})
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	detail, err := s.engine.GetRide(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handlePendingRequests(w http.ResponseWriter, r *http.Request) {
	rides, err := s.engine.PendingFor(r.Context(), r.URL.Query().Get("driverId"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": rides})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: err.Error()})
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

var upgrader = websocket.Upgrader{
	// browser views are served from other origins, same as the CORS policy
	CheckOrigin: func(*http.Request) bool { return true },
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	role := vars["role"]
	if role != dispatch.RoleDriver && role != dispatch.RoleRide {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "unknown view"})
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("ws upgrade failed", "error", err)
		return
	}
	session := s.hub.Add(role, vars["id"], conn)
	// views only listen; reading detects the close
	go func() {
		defer s.hub.Remove(session)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
