package service

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/legalsim/render-orchestrator/internal/config"
	"github.com/legalsim/render-orchestrator/internal/model"
)

// ValidationError lists every rejected field of a request.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "invalid render request: " + strings.Join(parts, "; ")
}

func (e *ValidationError) add(field, reason string) {
	if _, ok := e.Fields[field]; !ok {
		e.Fields[field] = reason
	}
}

// ResolvedRequest is a request after defaults and frame derivation.
type ResolvedRequest struct {
	model.CreateRenderRequest
	Mode        model.Mode
	TotalFrames int
	MaxRetries  int
}

// Validator checks creation requests against struct rules, configured
// bounds and the case's legal mode.
type Validator struct {
	validate *validator.Validate
	limits   config.RenderConfig
}

func NewValidator(limits config.RenderConfig) *Validator {
	validate := validator.New()
	// Report fields under their JSON names.
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Validator{validate: validate, limits: limits}
}

// Validate fills defaults into a copy of req and checks it. Nothing is
// persisted; a non-nil *ValidationError means the request must be refused.
func (v *Validator) Validate(req model.CreateRenderRequest, mode model.Mode) (*ResolvedRequest, error) {
	verr := &ValidationError{Fields: make(map[string]string)}
	if err := v.checkStruct(verr, &req); err != nil {
		return nil, err
	}

	r := &ResolvedRequest{CreateRenderRequest: req, Mode: mode}
	v.applyDefaults(r)

	if !mode.Valid() {
		verr.add("mode", fmt.Sprintf("unknown case mode %q", mode))
	} else if req.Profile.Valid() && !req.Profile.AllowedIn(mode) {
		verr.add("profile", fmt.Sprintf("%s profile is not allowed for %s cases", req.Profile, mode))
	}

	l := v.limits
	checkRange(verr, "width", r.Width, l.MinWidth, l.MaxWidth)
	checkRange(verr, "height", r.Height, l.MinHeight, l.MaxHeight)
	checkRange(verr, "fps", r.FPS, l.MinFPS, l.MaxFPS)

	switch {
	case req.TotalFrames > 0:
		r.TotalFrames = req.TotalFrames
	case req.DurationSeconds > 0 && r.FPS > 0:
		r.TotalFrames = int(math.Ceil(req.DurationSeconds * float64(r.FPS)))
	}
	if r.TotalFrames <= 0 {
		verr.add("totalFrames", "must be positive; set totalFrames or durationSeconds")
	} else if l.MaxTotalFrames > 0 && r.TotalFrames > l.MaxTotalFrames {
		verr.add("totalFrames", fmt.Sprintf("must be at most %d", l.MaxTotalFrames))
	}

	if r.MaxRetries < 0 || r.MaxRetries > l.MaxRetriesLimit {
		verr.add("maxRetries", fmt.Sprintf("must be between 0 and %d", l.MaxRetriesLimit))
	}

	if len(verr.Fields) > 0 {
		return nil, verr
	}
	return r, nil
}

// ValidateDeterminismTest checks a determinism test request against its own
// rules and then against the same bounds and mode policy as a render.
func (v *Validator) ValidateDeterminismTest(req model.DeterminismTestRequest, mode model.Mode) (*ResolvedRequest, error) {
	verr := &ValidationError{Fields: make(map[string]string)}
	if err := v.checkStruct(verr, &req); err != nil {
		return nil, err
	}

	deterministic := true
	resolved, err := v.Validate(model.CreateRenderRequest{
		TimelineID:    req.TimelineID,
		StoryboardID:  req.StoryboardID,
		CaseID:        req.CaseID,
		Profile:       req.Profile,
		Deterministic: &deterministic,
		Seed:          req.Seed,
		Width:         req.Width,
		Height:        req.Height,
		FPS:           req.FPS,
		Quality:       req.Quality,
		TotalFrames:   req.TotalFrames,
	}, mode)
	var inner *ValidationError
	switch {
	case errors.As(err, &inner):
		for field, reason := range inner.Fields {
			verr.add(field, reason)
		}
	case err != nil:
		return nil, err
	}

	if len(verr.Fields) > 0 {
		return nil, verr
	}
	return resolved, nil
}

func (v *Validator) checkStruct(verr *ValidationError, s any) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("failed to validate request: %w", err)
	}
	for _, fe := range fieldErrs {
		verr.add(fe.Field(), fe.Tag())
	}
	return nil
}

func (v *Validator) applyDefaults(r *ResolvedRequest) {
	if r.Width == 0 {
		r.Width = v.limits.DefaultWidth
	}
	if r.Height == 0 {
		r.Height = v.limits.DefaultHeight
	}
	if r.FPS == 0 {
		r.FPS = v.limits.DefaultFPS
	}
	if r.Quality == "" {
		r.Quality = model.QualityStandard
	}
	if r.OutputFormat == "" {
		r.OutputFormat = model.OutputFormatMP4
	}
	r.MaxRetries = v.limits.DefaultMaxRetries
	if r.CreateRenderRequest.MaxRetries != nil {
		r.MaxRetries = *r.CreateRenderRequest.MaxRetries
	}
	goldens := make([]string, len(r.GoldenChecksums))
	for i, g := range r.GoldenChecksums {
		goldens[i] = strings.ToLower(g)
	}
	r.GoldenChecksums = goldens
}

func checkRange(verr *ValidationError, field string, value, min, max int) {
	if value < min || value > max {
		verr.add(field, fmt.Sprintf("must be between %d and %d", min, max))
	}
}
