package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mahaj/critica-chat/pkg/codec"
	"github.com/mahaj/critica-chat/pkg/config"
	"github.com/mahaj/critica-chat/pkg/logging"
	"github.com/mahaj/critica-chat/pkg/model"
)

func main() {
	apiAddr := flag.String("api", "http://localhost:8080/api", "collection api base url")
	user := flag.String("user", "admin", "username")
	password := flag.String("password", "admin123", "password")
	topic := flag.String("topic", model.DefaultTopic, "collection to write to")
	flag.Parse()

	if _, err := logging.Setup("info", ""); err != nil {
		log.Fatal().Err(err).Msg("logging")
	}
	logger := logging.Component("verify_api")

	// 1. Login
	reqBody, _ := json.Marshal(model.LoginRequest{Username: *user, Password: *password})
	resp, err := http.Post(*apiAddr+"/login", "application/json", bytes.NewBuffer(reqBody))
	if err != nil {
		logger.Fatal().Err(err).Msg("login request failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		logger.Fatal().Int("status", resp.StatusCode).Str("body", string(body)).Msg("login rejected")
	}

	var loginResp model.LoginResponse
	if err := json.NewDecoder(resp.Body).Decode(&loginResp); err != nil {
		logger.Fatal().Err(err).Msg("decode login response")
	}
	logger.Info().Str("user_id", loginResp.UserID).Msg("logged in")

	// 2. Store an encrypted message
	cdc, err := codec.New(config.DefaultEncryptionKey, codec.Options{}, zerolog.Nop())
	if err != nil {
		logger.Fatal().Err(err).Msg("codec")
	}
	text, err := cdc.Encrypt("verify_api " + time.Now().Format(time.RFC3339))
	if err != nil {
		logger.Fatal().Err(err).Msg("encrypt")
	}
	msg := model.Message{Text: text, Sender: loginResp.Username, Timestamp: time.Now().UTC(), Encrypted: true}
	body := call(logger, http.MethodPost, *apiAddr+"/collections/"+*topic, loginResp.Token, msg)
	logger.Info().Str("record", string(body)).Msg("stored")

	// 3. Read the collection back
	var records []model.Record
	if err := json.Unmarshal(call(logger, http.MethodGet, *apiAddr+"/collections/"+*topic, loginResp.Token, nil), &records); err != nil {
		logger.Fatal().Err(err).Msg("decode records")
	}
	for _, rec := range records {
		m := rec.Message()
		if m.Encrypted {
			m.Text = cdc.Decrypt(m.Text)
		}
		fmt.Printf("%s  %-10s %s\n", m.Timestamp.Format(time.DateTime), m.Sender, m.Text)
	}

	// 4. Presence
	logger.Info().Str("users", string(call(logger, http.MethodGet, *apiAddr+"/presence/"+*topic, loginResp.Token, nil))).Msg("online")
}

func call(logger zerolog.Logger, method, url, token string, in any) []byte {
	var buf bytes.Buffer
	if in != nil {
		if err := json.NewEncoder(&buf).Encode(in); err != nil {
			logger.Fatal().Err(err).Msg("encode body")
		}
	}

	req, _ := http.NewRequest(method, url, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Add("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		logger.Fatal().Err(err).Str("url", url).Msg("request failed")
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		logger.Fatal().Int("status", resp.StatusCode).Str("body", string(body)).Msg(method + " " + url)
	}
	return body
}
