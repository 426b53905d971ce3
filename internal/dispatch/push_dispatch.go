package dispatch

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/example/care-matching/internal/models"
)

// FCMDispatcher posts JSON to an FCM HTTPv1 endpoint. Device-token lookup
// lives with the surrounding application; the engine only emits the event.
type FCMDispatcher struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewFCMDispatcher(endpoint, key string) *FCMDispatcher {
	return &FCMDispatcher{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (f *FCMDispatcher) Offer(nurseID string, offer models.Offer) error {
	return f.post(map[string]interface{}{
		"message": map[string]interface{}{
			"data": map[string]interface{}{"type": "offer", "nurse_id": nurseID, "offer": offer},
		},
	})
}

func (f *FCMDispatcher) RequestUpdated(req *models.ServiceRequest) error {
	return f.post(map[string]interface{}{
		"message": map[string]interface{}{
			"data": map[string]interface{}{"type": "request_updated", "request_id": req.ID, "status": req.Status},
		},
	})
}

func (f *FCMDispatcher) post(body map[string]interface{}) error {
	b, _ := json.Marshal(body)
	req, err := http.NewRequest(http.MethodPost, f.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if f.Key != "" {
		req.Header.Set("Authorization", "Bearer "+f.Key)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// PushDispatcher tries the live WS session first and falls back to FCM.
type PushDispatcher struct {
	WS  *WSRegistry
	FCM *FCMDispatcher
}

func NewPushDispatcher(ws *WSRegistry, fcm *FCMDispatcher) *PushDispatcher {
	return &PushDispatcher{WS: ws, FCM: fcm}
}

func (p *PushDispatcher) Offer(nurseID string, offer models.Offer) error {
	if p.WS != nil {
		if err := p.WS.Offer(nurseID, offer); err == nil {
			return nil
		}
	}
	if p.FCM != nil {
		return p.FCM.Offer(nurseID, offer)
	}
	return ErrNoSession
}

func (p *PushDispatcher) RequestUpdated(req *models.ServiceRequest) error {
	if p.WS != nil {
		if err := p.WS.RequestUpdated(req); err == nil {
			return nil
		}
	}
	if p.FCM != nil {
		return p.FCM.RequestUpdated(req)
	}
	return nil
}
