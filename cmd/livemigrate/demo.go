// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/AleutianAI/livemigrate/services/migrate/container"
	"github.com/AleutianAI/livemigrate/services/migrate/engine"
	"github.com/AleutianAI/livemigrate/services/migrate/heap"
	"github.com/AleutianAI/livemigrate/services/migrate/patch"
	"github.com/AleutianAI/livemigrate/services/migrate/plan"
	"github.com/AleutianAI/livemigrate/services/migrate/validate"
)

// User is the capability every user version implements.
type User interface {
	UserName() string
}

// OldUser is the version the demo host starts with.
type OldUser struct {
	ID     int
	Name   string
	Friend User
}

func (u *OldUser) UserName() string { return u.Name }

// NewUser adds an email address.
type NewUser struct {
	ID     int
	Name   string
	Email  string
	Friend User
}

func (u *NewUser) UserName() string { return u.Name }

// UserService is the demo host's only service. byName is a declared
// registry, admin a plain reference and Recent an immutable list.
type UserService struct {
	byName map[string]User `migrate:"registry"`
	admin  User
	Recent container.List[User]
}

// featured is package-level state owned by UserService.
var featured []User

// demoHost is a small in-process application whose users get upgraded.
type demoHost struct {
	walker     *heap.Registry
	statics    *patch.Statics
	plan       *plan.Plan
	validation *validate.Runner
	service    *UserService
}

// newDemoHost creates n users in a friendship ring, a service indexing them
// and a featured list holding the first one. The last user is the only
// recent one.
func newDemoHost(n int, failValidation bool) (*demoHost, error) {
	if n < 1 {
		return nil, fmt.Errorf("at least one user is required, got %d", n)
	}

	d, err := plan.For[User](plan.MigratorFunc[*OldUser, *NewUser](upgradeUser))
	if err != nil {
		return nil, err
	}
	p, err := plan.Build(d)
	if err != nil {
		return nil, err
	}

	h := &demoHost{
		walker:  heap.NewRegistry(),
		statics: patch.NewStatics(),
		plan:    p,
		service: &UserService{byName: make(map[string]User, n)},
	}

	users := make([]*OldUser, n)
	for i := range users {
		users[i] = &OldUser{ID: i + 1, Name: fmt.Sprintf("user%d", i+1)}
	}
	for i, u := range users {
		u.Friend = users[(i+1)%n]
		h.service.byName[u.Name] = u
		if err := h.walker.Track(u); err != nil {
			return nil, err
		}
	}
	h.service.admin = users[0]
	h.service.Recent = container.ListOf[User](users[n-1])
	if err := h.walker.Track(h.service); err != nil {
		return nil, err
	}

	featured = []User{users[0]}
	if err := h.statics.RegisterTagged(reflect.TypeFor[UserService](), "featured", &featured, "registry"); err != nil {
		return nil, err
	}

	h.validation = validate.NewRunner().
		AddHealthCheck(func(context.Context) (bool, error) { return len(h.service.byName) == n, nil }).
		AddSmokeTest(validate.SmokeTestFunc(emailSmokeTest))
	if failValidation {
		h.validation.AddSmokeTest(validate.SmokeTestFunc(
			func(context.Context, validate.Converted) *validate.Result {
				return validate.Fail("forced failure", "requested with --fail-validation", nil)
			}))
	}
	return h, nil
}

func upgradeUser(old *OldUser) (*NewUser, error) {
	return &NewUser{
		ID:     old.ID,
		Name:   old.Name,
		Email:  strings.ToLower(old.Name) + "@example.com",
		Friend: old.Friend,
	}, nil
}

func emailSmokeTest(_ context.Context, converted validate.Converted) *validate.Result {
	for _, objs := range converted {
		for _, obj := range objs {
			u, ok := obj.(*NewUser)
			if !ok || u.Email == "" {
				return validate.Fail("email", fmt.Sprintf("user without email: %v", obj), nil)
			}
		}
	}
	return validate.Pass("email")
}

// request scans UserService, which covers its fields and the featured list.
func (h *demoHost) request() engine.Request {
	return engine.Request{ScanTypes: []reflect.Type{reflect.TypeFor[UserService]()}}
}

// options returns engine options targeting this host.
func (h *demoHost) options() engine.Options {
	return engine.Options{
		Plan:       h.plan,
		Walker:     h.walker,
		Statics:    h.statics,
		Validation: h.validation,
	}
}

// versions counts the user versions reachable from the service and the
// featured list.
func (h *demoHost) versions() (oldCount, newCount int) {
	count := func(u User) {
		switch u.(type) {
		case *OldUser:
			oldCount++
		case *NewUser:
			newCount++
		}
	}
	for _, u := range h.service.byName {
		count(u)
		switch v := u.(type) {
		case *OldUser:
			count(v.Friend)
		case *NewUser:
			count(v.Friend)
		}
	}
	count(h.service.admin)
	for _, u := range h.service.Recent.All() {
		count(u)
	}
	for _, u := range featured {
		count(u)
	}
	return oldCount, newCount
}
