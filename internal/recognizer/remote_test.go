package recognizer

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRemoteEngineRecognize(t *testing.T) {
	var got VisionOCRRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/internal/vision/extract-text" {
			http.NotFound(w, r)
			return
		}
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(VisionOCRResponse{
			Success: true,
			Data: VisionOCRData{
				Text:       "1. What is 2+2?",
				Confidence: 91,
				Words: []VisionOCRWord{
					{Text: "What", Confidence: 90, Box: [4]int{0, 0, 40, 12}},
					{Text: "is", Confidence: 0.8, Box: [4]int{44, 0, 60, 12}},
				},
			},
		})
	}))
	defer srv.Close()

	engine, err := NewRemoteEngine(RemoteConfig{BaseURL: srv.URL + "/", HTTPClient: srv.Client()}, StrategySparseText)
	if err != nil {
		t.Fatalf("NewRemoteEngine: %v", err)
	}
	rec, err := engine.Recognize(context.Background(), []byte("img"), Params{Languages: []string{"eng", "hin"}, DPI: 300})
	if err != nil {
		t.Fatalf("Recognize: %v", err)
	}

	if got.Format != "base64" || got.Strategy != string(StrategySparseText) || got.Language != "eng+hin" || got.DPI != 300 {
		t.Errorf("request = %+v", got)
	}
	if img, _ := base64.StdEncoding.DecodeString(got.Image); string(img) != "img" {
		t.Errorf("image = %q", got.Image)
	}
	if rec.Text != "1. What is 2+2?" || len(rec.Words) != 2 || rec.Words[0].Box.Max.X != 40 {
		t.Errorf("recognition = %+v", rec)
	}
	if c := rec.Confidence(); c < 0.849 || c > 0.851 {
		t.Errorf("confidence = %v, want 0.85", c)
	}
}

func TestRemoteEngineReportedConfidence(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":true,"data":{"text":"Explain osmosis.","confidence":0.72}}`))
	}))
	defer srv.Close()

	engine, _ := NewRemoteEngine(RemoteConfig{BaseURL: srv.URL, HTTPClient: srv.Client()}, StrategyAuto)
	rec, err := engine.Recognize(context.Background(), []byte("img"), Params{})
	if err != nil {
		t.Fatalf("Recognize: %v", err)
	}
	if c := rec.Confidence(); c != 0.72 {
		t.Errorf("confidence = %v, want reported 0.72", c)
	}
}

func TestRemoteEngineErrors(t *testing.T) {
	testCases := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{"status", http.StatusBadGateway, `upstream down`, "status 502"},
		{"unsuccessful", http.StatusOK, `{"success":false,"message":"no model"}`, "no model"},
		{"garbage", http.StatusOK, `<html>`, "parse response"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			engine, _ := NewRemoteEngine(RemoteConfig{BaseURL: srv.URL, HTTPClient: srv.Client()}, StrategyAuto)
			_, err := engine.Recognize(context.Background(), []byte("img"), Params{})
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("err = %v, want %q", err, tc.wantErr)
			}
		})
	}
	if _, err := NewRemoteEngine(RemoteConfig{}, StrategyAuto); err == nil {
		t.Error("expected error without base URL")
	}
}

func TestRemoteEnginesInPool(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req VisionOCRRequest
		json.NewDecoder(r.Body).Decode(&req)
		json.NewEncoder(w).Encode(VisionOCRResponse{Success: true, Data: VisionOCRData{Text: "strategy " + req.Strategy, Confidence: 0.9}})
	}))
	defer srv.Close()

	pool, err := NewWorkerPool(PoolConfig{Size: 2, Strategies: []Strategy{StrategyAuto, StrategySingleBlock}},
		RemoteFactory(RemoteConfig{BaseURL: srv.URL, HTTPClient: srv.Client()}))
	if err != nil {
		t.Fatalf("NewWorkerPool: %v", err)
	}
	defer pool.Close()

	err = pool.Do(context.Background(), func(w *Worker) error {
		rec, err := w.Recognize(context.Background(), []byte("img"), Params{Strategy: w.Strategy})
		if err != nil {
			return err
		}
		if rec.Text != "strategy "+string(w.Strategy) {
			t.Errorf("worker %s got %q", w.ID, rec.Text)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
}
