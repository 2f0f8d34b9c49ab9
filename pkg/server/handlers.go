package server

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"

	"courier/pkg/dispatch"
	"courier/pkg/pubsub"
	"courier/pkg/storage"
	"courier/pkg/types"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// handleNotify is the legacy combined endpoint. The parser tells the
// private JSON, public Diaspora and Salmon bodies apart.
func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	nickname := mux.Vars(r)["nickname"]
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}

	user, err := s.deps.Store.GetUserByNickname(r.Context(), nickname)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.fault(w, "load user", err)
			return
		}
		writeStatus(w, http.StatusNotFound, StatusNotFound, "User not found")
		return
	}

	out, err := s.receive(r.Context(), "dfrn_notify", body, user)
	if s.failure(w, out, err) {
		return
	}

	switch {
	case out.Reason == dispatch.ReasonRelationshipRequired:
		writeStatus(w, http.StatusOK, StatusNotFound, "Contact not found")
	case out.State.Accepted():
		writeStatus(w, http.StatusOK, StatusDone, "Done")
	case out.State == dispatch.StateRejectedSignature:
		writeStatus(w, http.StatusOK, StatusSignatureFailed, "Signature verification failed")
	default:
		writeStatus(w, http.StatusOK, StatusUnparseable, "Unable to parse message")
	}
}

func (s *Server) handleReceivePublic(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	out, err := s.receive(r.Context(), "receive_public", body, nil)
	s.writeReceive(w, out, err, http.StatusAccepted)
}

func (s *Server) handleReceiveUser(w http.ResponseWriter, r *http.Request) {
	guid := mux.Vars(r)["guid"]
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}

	user, err := s.deps.Store.GetUserByGUID(r.Context(), guid)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.fault(w, "load user", err)
			return
		}
		// Answered like a processed delivery so senders cannot enumerate users.
		s.logger.Info("Delivery for unknown recipient", zap.String("guid", guid))
		w.WriteHeader(http.StatusAccepted)
		return
	}

	out, err := s.receive(r.Context(), "receive_user", body, user)
	s.writeReceive(w, out, err, http.StatusAccepted)
}

func (s *Server) handleSalmon(w http.ResponseWriter, r *http.Request) {
	nickname := mux.Vars(r)["nickname"]
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}

	user, err := s.deps.Store.GetUserByNickname(r.Context(), nickname)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.fault(w, "load user", err)
			return
		}
		// Answered like a processed delivery so senders cannot enumerate users.
		s.logger.Info("Delivery for unknown recipient", zap.String("nickname", nickname))
		w.WriteHeader(http.StatusOK)
		return
	}

	out, err := s.receive(r.Context(), "salmon", body, user)
	s.writeReceive(w, out, err, http.StatusOK)
}

// handleVerifyCallback answers a hub checking one of our subscriptions
func (s *Server) handleVerifyCallback(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	cid, err := strconv.ParseInt(vars["cid"], 10, 64)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	challenge, err := s.deps.Subscriber.VerifyCallback(r.Context(), vars["nickname"], cid, pubsub.ParseCallbackQuery(r.URL.Query()))
	if err != nil {
		if !errors.Is(err, pubsub.ErrRejected) {
			s.logger.Error("Subscription verification failed", zap.Int64("contact", cid), zap.Error(err))
		}
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, challenge)
}

// handleFeedPush takes a feed a hub pushed to us. The hub always gets 202 so
// it cannot learn which contacts exist.
func (s *Server) handleFeedPush(w http.ResponseWriter, r *http.Request) {
	defer w.WriteHeader(http.StatusAccepted)

	vars := mux.Vars(r)
	cid, err := strconv.ParseInt(vars["cid"], 10, 64)
	if err != nil {
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.logger.Info("Failed to read pushed feed", zap.Int64("contact", cid), zap.Error(err))
		return
	}

	ctx := r.Context()
	owner, err := s.deps.Store.GetUserByNickname(ctx, vars["nickname"])
	if err != nil {
		s.logger.Info("Feed pushed for unknown user", zap.String("nickname", vars["nickname"]))
		return
	}
	contact, err := s.deps.Store.GetContact(ctx, cid)
	if err != nil || contact.OwnerUserID != owner.ID {
		s.logger.Info("Feed pushed for unknown contact", zap.String("nickname", owner.Nickname), zap.Int64("contact", cid))
		return
	}

	res, err := s.deps.Importer.ImportFeed(ctx, owner, contact, body)
	if err != nil {
		level := s.logger.Warn
		if errors.Is(err, dispatch.ErrUntrustedFeed) {
			level = s.logger.Info
		}
		level("Pushed feed not imported", zap.Int64("contact", cid), zap.Error(err))
		return
	}
	s.logger.Debug("Imported pushed feed",
		zap.Int64("contact", cid),
		zap.Int("applied", res.Applied),
		zap.Int("duplicates", res.Duplicates),
		zap.Int("skipped", res.Skipped))
}

// handleHubSubscribe serves a remote subscriber asking for a local feed
func (s *Server) handleHubSubscribe(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	_, err := s.deps.Hub.HandleSubscriptionRequest(r.Context(), mux.Vars(r)["nickname"], pubsub.ParseSubscriptionRequest(r.PostForm))
	switch {
	case err == nil:
		w.WriteHeader(http.StatusAccepted)
	case errors.Is(err, pubsub.ErrPublicBlocked):
		w.WriteHeader(http.StatusForbidden)
	case errors.Is(err, pubsub.ErrRejected):
		http.NotFound(w, r)
	default:
		s.fault(w, "hub subscription", err)
	}
}

func (s *Server) receive(ctx context.Context, endpoint string, body []byte, user *types.User) (dispatch.Outcome, error) {
	return s.deps.Dispatcher.Receive(ctx, dispatch.Delivery{
		Raw:       body,
		Endpoint:  endpoint,
		Recipient: user,
	})
}

// writeReceive answers the bare-status endpoints. Blocked senders and
// duplicates get the same response as applied messages.
func (s *Server) writeReceive(w http.ResponseWriter, out dispatch.Outcome, err error, ok int) {
	if s.failure(w, out, err) {
		return
	}
	if out.State.Accepted() {
		w.WriteHeader(ok)
		return
	}
	w.WriteHeader(http.StatusBadRequest)
}

// failure writes 500 for local faults and 503 for rejections the sender
// should retry later.
func (s *Server) failure(w http.ResponseWriter, out dispatch.Outcome, err error) bool {
	switch {
	case err != nil:
		w.WriteHeader(http.StatusInternalServerError)
		return true
	case out.Err != nil:
		w.Header().Set("Retry-After", "60")
		w.WriteHeader(http.StatusServiceUnavailable)
		return true
	}
	return false
}

func (s *Server) fault(w http.ResponseWriter, what string, err error) {
	s.logger.Error("Request failed", zap.String("op", what), zap.Error(err))
	http.Error(w, "internal error", http.StatusInternalServerError)
}

// readBody reads the request body. Legacy Diaspora senders post the
// envelope as a form field named xml.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "request too large", http.StatusRequestEntityTooLarge)
			return nil, false
		}
		http.Error(w, "bad request", http.StatusBadRequest)
		return nil, false
	}

	if ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); ct == "application/x-www-form-urlencoded" {
		if form, err := url.ParseQuery(string(body)); err == nil && form.Get("xml") != "" {
			return []byte(form.Get("xml")), true
		}
	}
	return body, true
}
