// Copyright 2025 LINE Corporation
//
// LINE Corporation licenses this file to you under the Apache License,
// version 2.0 (the "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at:
//
//   https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS, WITHOUT
// WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied. See the
// License for the specific language governing permissions and limitations
// under the License.

package server

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const sessionCookie = "dogma-session"

// handleMe returns the authenticated principal. It works in read-only mode:
// the session cookie is a JWT signed with the current session master key, so
// issuing one needs no storage write.
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	user := principal(r)

	if s.cfg.Sessions != nil && !s.hasValidSession(r) {
		if err := s.issueSession(w, user.Name); err != nil {
			log.Warnf("failed to issue a session cookie: %v", err)
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"login": user.Name,
		"name":  user.Name,
		"email": user.Email,
	})
}

func (s *Server) issueSession(w http.ResponseWriter, login string) error {
	key, err := s.cfg.Sessions.Current()
	if err != nil {
		return err
	}
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": login,
		"iat": now.Unix(),
		"exp": now.Add(7 * 24 * time.Hour).Unix(),
	})
	token.Header["kid"] = strconv.Itoa(key.Version)
	signed, err := token.SignedString(key.Master)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    signed,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// hasValidSession verifies the cookie against the key version recorded in
// its header; old versions stay verifiable after a rotation.
func (s *Server) hasValidSession(r *http.Request) bool {
	cookie, err := r.Cookie(sessionCookie)
	if err != nil {
		return false
	}
	_, err = jwt.Parse(cookie.Value, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		kid, _ := token.Header["kid"].(string)
		version, err := strconv.Atoi(kid)
		if err != nil {
			return nil, fmt.Errorf("missing key version")
		}
		key, err := s.cfg.Sessions.Get(version)
		if err != nil {
			return nil, err
		}
		return key.Master, nil
	})
	return err == nil
}
