package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
)

func doRequest(method, path string, body io.Reader) (*http.Response, error) {
	url := fmt.Sprintf("%s%s", host, path)
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		return nil, err
	}

	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	} else if envKey := os.Getenv("ACHERON_API_KEY"); envKey != "" {
		req.Header.Set("Authorization", "Bearer "+envKey)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return http.DefaultClient.Do(req)
}

// requestJSON performs the request and decodes a 2xx response into out.
// Any other status is rendered from the API's failure envelope.
func requestJSON(method, path string, body io.Reader, out any) error {
	resp, err := doRequest(method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return apiError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func apiError(resp *http.Response) error {
	data, _ := io.ReadAll(resp.Body)
	var envelope struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &envelope); err == nil && envelope.Message != "" {
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, envelope.Message)
	}
	return fmt.Errorf("request failed with status %d", resp.StatusCode)
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
