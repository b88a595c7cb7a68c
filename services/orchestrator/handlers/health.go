// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// HealthProbe checks one dependency. A nil probe means the dependency is
// not configured.
type HealthProbe func(ctx context.Context) error

// DependencyStatus is the state of one dependency in a health answer.
type DependencyStatus struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status       string             `json:"status"`
	PolicyHash   string             `json:"policy_hash,omitempty"`
	Dependencies []DependencyStatus `json:"dependencies,omitempty"`
}

const healthProbeTimeout = 2 * time.Second

// HandleHealth serves GET /health.
//
// # Description
//
// Runs every probe concurrently with a short timeout. The answer is
// always 200 so the process stays in rotation when an optional
// dependency is down; Status is "degraded" when any configured probe
// fails. Dependencies are listed by name. policyHash identifies the loaded
// query policy and is omitted when empty.
func HandleHealth(probes map[string]HealthProbe, policyHash string) gin.HandlerFunc {
	names := make([]string, 0, len(probes))
	for name := range probes {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthProbeTimeout)
		defer cancel()

		deps := make([]DependencyStatus, len(names))
		var wg sync.WaitGroup
		for i, name := range names {
			probe := probes[name]
			if probe == nil {
				deps[i] = DependencyStatus{Name: name, Status: "not_configured"}
				continue
			}
			wg.Add(1)
			go func(i int, name string, probe HealthProbe) {
				defer wg.Done()
				if err := probe(ctx); err != nil {
					deps[i] = DependencyStatus{Name: name, Status: "unavailable", Error: err.Error()}
					return
				}
				deps[i] = DependencyStatus{Name: name, Status: "ok"}
			}(i, name, probe)
		}
		wg.Wait()

		status := "healthy"
		for _, d := range deps {
			if d.Status == "unavailable" {
				status = "degraded"
			}
		}
		c.JSON(http.StatusOK, HealthResponse{Status: status, PolicyHash: policyHash, Dependencies: deps})
	}
}
