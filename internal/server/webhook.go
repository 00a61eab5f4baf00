package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/eddiefleurent/scrip_bridge/internal/cache"
	"github.com/eddiefleurent/scrip_bridge/internal/history"
	"github.com/eddiefleurent/scrip_bridge/internal/resolver"
	"github.com/sirupsen/logrus"
)

const (
	remarkNoContract  = "Scrip ID not found"
	remarkUnavailable = "Instrument catalog unavailable"
	remarkInvalid     = "Invalid signal"
)

type webhookResponse struct {
	Status  string         `json:"status"`
	Remarks string         `json:"remarks,omitempty"`
	Error   string         `json:"error,omitempty"`
	Strike  string         `json:"strike,omitempty"`
	Entry   *history.Entry `json:"entry,omitempty"`
}

// handleWebhook accepts {"price": ..., "message": ...} with any content type.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil || len(bytes.TrimSpace(body)) == 0 {
		writeJSON(w, http.StatusBadRequest, webhookResponse{Status: "no data"}, s.logger)
		return
	}
	var raw struct {
		Price   json.RawMessage `json:"price"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		s.logger.WithError(err).Debug("Undecodable webhook body")
		writeJSON(w, http.StatusBadRequest, webhookResponse{Status: "no data"}, s.logger)
		return
	}
	sig := resolver.Signal{Message: raw.Message}
	if len(raw.Price) > 0 {
		if err := sig.Price.UnmarshalJSON(raw.Price); err != nil {
			// A well-formed body with a bad price is a signal, so it is recorded.
			err = fmt.Errorf("%w: price %s is not a number", resolver.ErrInvalidInput, raw.Price)
			s.writeResolveError(w, history.Entry{Message: raw.Message, Status: history.StatusFailure},
				err, s.logger.WithField("message", raw.Message))
			return
		}
	}

	entry := history.Entry{
		Price:   sig.Price.Decimal,
		Message: sig.Message,
		Status:  history.StatusFailure,
	}
	log := s.logger.WithFields(logrus.Fields{
		"price":   sig.Price.Decimal.String(),
		"message": sig.Message,
	})

	contract, err := s.resolver.ResolveSignal(r.Context(), sig)
	if err != nil {
		s.writeResolveError(w, entry, err, log)
		return
	}

	entry.Strike = contract.Strike
	entry.OptionType = contract.OptionType.Code()
	entry.SecurityID = contract.SecurityID
	entry.Expiry = contract.Expiry.Format(time.DateOnly)
	entry.Quantity = contract.LotSize

	result, err := s.dispatcher.Dispatch(r.Context(), contract)
	if result != nil {
		entry.OrderID = result.OrderID
		entry.Remarks = result.Remarks
		entry.Reversed = result.Reversed
	}
	if err != nil {
		if entry.Remarks == "" {
			entry.Remarks = "Entry Failed"
		}
		stored := s.record(entry, log)
		log.WithError(err).Error("Dispatch failed")
		writeJSON(w, http.StatusBadGateway, webhookResponse{
			Status:  history.StatusFailure,
			Remarks: stored.Remarks,
			Error:   err.Error(),
			Entry:   &stored,
		}, s.logger)
		return
	}

	entry.Status = history.StatusSuccess
	stored := s.record(entry, log)
	writeJSON(w, http.StatusOK, webhookResponse{
		Status:  history.StatusSuccess,
		Remarks: stored.Remarks,
		Entry:   &stored,
	}, s.logger)
}

func (s *Server) writeResolveError(w http.ResponseWriter, entry history.Entry, err error, log logrus.FieldLogger) {
	status := http.StatusInternalServerError
	resp := webhookResponse{Status: "error", Error: err.Error()}

	var nf *resolver.NotFoundError
	switch {
	case errors.Is(err, resolver.ErrInvalidInput):
		status = http.StatusBadRequest
		resp.Remarks = remarkInvalid
	case errors.As(err, &nf):
		status = http.StatusNotFound
		resp.Remarks = remarkNoContract
		resp.Strike = nf.Strike.String()
		entry.Strike = nf.Strike
		entry.OptionType = nf.OptionType.Code()
		if !nf.Expiry.IsZero() {
			entry.Expiry = nf.Expiry.Format(time.DateOnly)
		}
	case errors.Is(err, cache.ErrUnavailable):
		status = http.StatusServiceUnavailable
		resp.Remarks = remarkUnavailable
	default:
		resp.Remarks = "Internal error"
	}

	entry.Remarks = resp.Remarks
	stored := s.record(entry, log)
	resp.Entry = &stored

	log.WithError(err).WithField("status", status).Warn("Signal not resolved")
	writeJSON(w, status, resp, s.logger)
}

func (s *Server) record(e history.Entry, log logrus.FieldLogger) history.Entry {
	stored, err := s.history.Append(e)
	if err != nil {
		// The entry is still kept in memory; only persistence failed.
		log.WithError(err).Error("Failed to persist trade history")
	}
	return stored
}
