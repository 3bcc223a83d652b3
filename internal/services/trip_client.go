package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/chachabrian/mooveit-tanker/internal/apperr"
	"github.com/chachabrian/mooveit-tanker/internal/models"
	"github.com/chachabrian/mooveit-tanker/pkg/utils"
)

// TripClient talks to the remote trip service over HTTP+JSON with a bearer
// token. Every failure it returns is an *apperr.Error.
type TripClient struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *slog.Logger
}

func NewTripClient(baseURL, token string, timeout time.Duration, logger *slog.Logger) *TripClient {
	return &TripClient{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// result is the envelope the trip service wraps around action responses.
type result struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// do sends one request. A 2xx answer with success=false becomes an error of
// kind onReject carrying the service's message.
func (c *TripClient) do(ctx context.Context, method, path string, body, out interface{}, onReject apperr.Kind) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return apperr.Wrap(apperr.InvalidInput, "could not encode request", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return apperr.Wrap(apperr.InvalidInput, "could not build request", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return apperr.FromContext("trip service unreachable", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return apperr.FromContext("could not read trip service response", err)
	}

	var res result
	_ = json.Unmarshal(raw, &res)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Warn("trip service error", "method", method, "path", path, "status", resp.StatusCode, "error", res.Error)
		return statusError(resp.StatusCode, res.Error)
	}

	if onReject != "" && !res.Success {
		reason := res.Error
		if reason == "" {
			reason = "the trip service refused the request"
		}
		return apperr.New(onReject, reason)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return apperr.Wrap(apperr.RemoteUnavailable, "unexpected trip service response", err)
		}
	}
	return nil
}

func statusError(status int, msg string) error {
	if msg == "" {
		msg = http.StatusText(status)
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return apperr.New(apperr.PermissionDenied, msg)
	case status == http.StatusNotFound:
		return apperr.New(apperr.InvalidInput, msg)
	case status == http.StatusConflict:
		return apperr.New(apperr.InvariantViolation, msg)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return apperr.New(apperr.Timeout, msg)
	case status == http.StatusTooManyRequests || status >= 500:
		return apperr.New(apperr.RemoteUnavailable, msg)
	default:
		return apperr.New(apperr.InvalidInput, msg)
	}
}

func (c *TripClient) CheckVehicle(ctx context.Context, vehicleNumber string) (models.VehicleCheck, error) {
	var out models.VehicleCheck
	err := c.do(ctx, http.MethodPost, "/vehicles/check", jsonBody{"vehicleNumber": vehicleNumber}, &out, "")
	return out, err
}

func (c *TripClient) LookupAccount(ctx context.Context, phoneNumber string) (bool, error) {
	var out struct {
		Exists bool `json:"exists"`
	}
	err := c.do(ctx, http.MethodGet, "/accounts/lookup?phone="+url.QueryEscape(phoneNumber), nil, &out, "")
	return out.Exists, err
}

func (c *TripClient) ListBookings(ctx context.Context, vehicleID string) ([]models.Booking, error) {
	var out struct {
		Bookings []models.Booking `json:"bookings"`
	}
	if err := c.do(ctx, http.MethodGet, "/vehicles/"+url.PathEscape(vehicleID)+"/bookings", nil, &out, ""); err != nil {
		return nil, err
	}
	bookings := out.Bookings[:0]
	for _, b := range out.Bookings {
		if b.Status != models.BookingStatusCancelled {
			bookings = append(bookings, b)
		}
	}
	return bookings, nil
}

func (c *TripClient) TripAction(ctx context.Context, bookingID, vehicleID, action string) error {
	return c.do(ctx, http.MethodPost, "/bookings/"+url.PathEscape(bookingID)+"/action",
		jsonBody{"vehicleId": vehicleID, "action": action}, nil, apperr.RemoteUnavailable)
}

func (c *TripClient) StartTrip(ctx context.Context, tripID string) error {
	return c.do(ctx, http.MethodPost, "/trips/"+url.PathEscape(tripID)+"/start", nil, nil, apperr.RemoteUnavailable)
}

func (c *TripClient) GetTrip(ctx context.Context, tripID string) (models.TripDetails, error) {
	var out models.TripDetails
	err := c.do(ctx, http.MethodGet, "/trips/"+url.PathEscape(tripID), nil, &out, "")
	return out, err
}

func (c *TripClient) ReportHydrantReached(ctx context.Context, tripID, photoURL string) error {
	body := jsonBody{}
	if photoURL != "" {
		body["photoUrl"] = photoURL
	}
	return c.do(ctx, http.MethodPost, "/trips/"+url.PathEscape(tripID)+"/hydrant", body, nil, apperr.RemoteUnavailable)
}

func (c *TripClient) ReportWaterDelivered(ctx context.Context, tripID, videoURL string) error {
	return c.do(ctx, http.MethodPost, "/trips/"+url.PathEscape(tripID)+"/delivered",
		jsonBody{"videoUrl": videoURL}, nil, apperr.RemoteUnavailable)
}

// locationPayload is a ping as the trip service stores it.
type locationPayload struct {
	Latitude   float64   `json:"lat"`
	Longitude  float64   `json:"lng"`
	Altitude   float64   `json:"altitude"`
	Speed      float64   `json:"speed"`
	Heading    float64   `json:"heading"`
	Accuracy   float64   `json:"accuracy"`
	CapturedAt time.Time `json:"capturedAt"`
	Geohash    string    `json:"geohash"`
}

func (c *TripClient) SendLocationUpdate(ctx context.Context, tripID string, ping models.LocationPing) error {
	body := locationPayload{
		Latitude:   ping.Latitude,
		Longitude:  ping.Longitude,
		Altitude:   ping.Altitude,
		Speed:      ping.Speed,
		Heading:    ping.Heading,
		Accuracy:   ping.Accuracy,
		CapturedAt: ping.CapturedAt,
		Geohash:    utils.Geohash(ping.Latitude, ping.Longitude),
	}
	return c.do(ctx, http.MethodPost, "/trips/"+url.PathEscape(tripID)+"/location", body, nil, apperr.RemoteUnavailable)
}

func (c *TripClient) IssueOtp(ctx context.Context, phoneNumber string) (string, error) {
	var out struct {
		VerificationID string `json:"verificationId"`
	}
	if err := c.do(ctx, http.MethodPost, "/otp/issue", jsonBody{"phoneNumber": phoneNumber}, &out, apperr.RemoteUnavailable); err != nil {
		return "", err
	}
	if out.VerificationID == "" {
		return "", apperr.New(apperr.RemoteUnavailable, fmt.Sprintf("no verification id issued for %s", phoneNumber))
	}
	return out.VerificationID, nil
}

// VerifyOtp reports a wrong code as InvalidInput.
func (c *TripClient) VerifyOtp(ctx context.Context, verificationID, code, tripID string) error {
	return c.do(ctx, http.MethodPost, "/otp/verify",
		jsonBody{"verificationId": verificationID, "code": code, "tripId": tripID}, nil, apperr.InvalidInput)
}

// jsonBody is a JSON object body.
type jsonBody map[string]interface{}
