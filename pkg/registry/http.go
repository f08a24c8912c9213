package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/claimlink/platform/pkg/common/logger"
	"github.com/gorilla/mux"
)

type HTTPHandler struct {
	service     *Service
	views       *Views
	redirectURL string
}

func NewHTTPHandler(service *Service, views *Views, redirectURL string) *HTTPHandler {
	return &HTTPHandler{service: service, views: views, redirectURL: redirectURL}
}

func (h *HTTPHandler) Register(router *mux.Router) {
	router.HandleFunc("/", h.handleRoot).Methods(http.MethodGet)
	router.HandleFunc("/user/{identity}", h.handleGetUser).Methods(http.MethodGet)
	router.HandleFunc("/adduser", h.handleAddUser).Methods(http.MethodPost)
	router.HandleFunc("/adduser/", h.handleAddUser).Methods(http.MethodPost)
	router.HandleFunc("/callback/{identity}", h.handleCallback).Methods(http.MethodPost)
	router.HandleFunc("/status/{callbackId}", h.handleStatus).Methods(http.MethodGet)

	router.NotFoundHandler = http.HandlerFunc(handleNotFound)
	router.MethodNotAllowedHandler = http.HandlerFunc(handleNotFound)
}

func (h *HTTPHandler) handleRoot(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"message": "Hello from root!"})
}

func (h *HTTPHandler) handleGetUser(w http.ResponseWriter, r *http.Request) {
	policy := h.service.Policy()
	identity := policy.Normalize(mux.Vars(r)["identity"])

	rec, err := h.service.GetUser(r.Context(), identity)
	if err != nil {
		switch {
		case IsValidationError(err):
			respondError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, ErrNotFound):
			respondError(w, http.StatusNotFound, "User not found")
		default:
			logger.Log.WithError(err).Error("failed to get user")
			respondError(w, http.StatusBadRequest, "Could not get user")
		}
		return
	}

	resp := map[string]interface{}{
		policy.Key:     rec.Identity,
		"userAddress":  rec.UserAddress,
		"templateLink": rec.TemplateLink,
		"callbackId":   rec.CallbackID,
		"status":       rec.ClaimStatus,
	}
	if include, _ := strconv.ParseBool(r.URL.Query().Get("includeClaim")); include {
		resp["claimString"] = rec.ClaimString
		resp["claimUpdatedAt"] = rec.ClaimUpdatedAt
	}
	respondJSON(w, http.StatusOK, resp)
}

func (h *HTTPHandler) handleAddUser(w http.ResponseWriter, r *http.Request) {
	var body map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		logger.Log.WithError(err).Warn("invalid registration payload")
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	in, err := h.service.Policy().ResolveRegistration(body)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.service.Register(r.Context(), in)
	if err != nil {
		switch {
		case IsValidationError(err):
			respondError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, ErrConflict):
			respondError(w, http.StatusBadRequest, fmt.Sprintf("user %s already exists", in.Identity))
		default:
			logger.Log.WithError(err).Error("failed to register user")
			respondError(w, http.StatusBadRequest, "Could not create user")
		}
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"templateLink": res.TemplateLink})
}

func (h *HTTPHandler) handleCallback(w http.ResponseWriter, r *http.Request) {
	identity := h.service.Policy().Normalize(mux.Vars(r)["identity"])

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		logger.Log.WithError(err).Warn("failed to read claim payload")
		h.callbackFailed(w, r, http.StatusBadRequest, "The claim payload could not be read.")
		return
	}

	rec, err := h.service.HandleClaimCallback(r.Context(), identity, payload)
	if err != nil {
		switch {
		case IsValidationError(err):
			h.callbackFailed(w, r, http.StatusBadRequest, err.Error())
		case errors.Is(err, ErrNotFound):
			h.callbackFailed(w, r, http.StatusNotFound, "User not found")
		case errors.Is(err, ErrAlreadyClaimed):
			h.callbackFailed(w, r, http.StatusBadRequest, "This claim has already been used.")
		case errors.Is(err, ErrConflict):
			h.callbackFailed(w, r, http.StatusBadRequest, "A claim was already recorded for this account.")
		default:
			logger.Log.WithError(err).Error("failed to handle claim callback")
			h.callbackFailed(w, r, http.StatusBadRequest, "Could not update claim")
		}
		return
	}

	if wantsJSON(r) {
		respondJSON(w, http.StatusOK, map[string]interface{}{"status": rec.ClaimStatus})
		return
	}
	h.render(w, http.StatusOK, ViewSuccess, ViewData{
		Title:       "Claim received",
		Message:     "Your claim was recorded.",
		Identity:    rec.Identity,
		RedirectURL: h.redirectURL,
	})
}

func (h *HTTPHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	callbackID := mux.Vars(r)["callbackId"]

	rec, err := h.service.GetStatus(r.Context(), callbackID)
	if err != nil {
		switch {
		case IsValidationError(err):
			respondError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, ErrNotFound):
			respondError(w, http.StatusNotFound, fmt.Sprintf("callbackId %s not found", callbackID))
		default:
			logger.Log.WithError(err).Error("failed to get status")
			respondError(w, http.StatusBadRequest, fmt.Sprintf("Could not get status for callback id %s", callbackID))
		}
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"callbackId": callbackID,
		"status":     rec.ClaimStatus,
	})
}

func (h *HTTPHandler) callbackFailed(w http.ResponseWriter, r *http.Request, status int, message string) {
	if wantsJSON(r) {
		respondError(w, status, message)
		return
	}
	h.render(w, status, ViewFail, ViewData{
		Title:       "Claim not recorded",
		Message:     message,
		RedirectURL: h.redirectURL,
	})
}

func (h *HTTPHandler) render(w http.ResponseWriter, status int, name string, data ViewData) {
	if h.views == nil {
		respondJSON(w, status, map[string]string{"view": name, "message": data.Message})
		return
	}
	if err := h.views.Render(w, status, name, data); err != nil {
		logger.Log.WithError(err).WithField("view", name).Error("failed to render view")
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func wantsJSON(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "application/json")
}

func handleNotFound(w http.ResponseWriter, r *http.Request) {
	respondError(w, http.StatusNotFound, "Not Found")
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
