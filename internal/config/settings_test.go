package config

import "testing"

func TestDefaultPassesValidation(t *testing.T) {
	if err := Validate(Default()); err != nil {
		t.Fatalf("Validate(Default()) = %v, want nil", err)
	}
}

func TestValidateRejectsBadSettings(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Settings)
	}{
		{"negative cleanup days", func(s *Settings) { s.Library.DownloadCleanupDays = -1 }},
		{"negative cooldown", func(s *Settings) { s.Library.SyncCooldownMinutes = -1 }},
		{"zero batch size", func(s *Settings) { s.Library.EnrichmentBatchSize = 0 }},
		{"zero queue interval", func(s *Settings) { s.Queue.CheckIntervalSeconds = 0 }},
		{"zero status interval", func(s *Settings) { s.Status.CheckIntervalSeconds = 0 }},
		{"zero stale threshold", func(s *Settings) { s.Status.StaleThresholdHours = 0 }},
		{"zero failure threshold", func(s *Settings) { s.CircuitBreaker.FailureThreshold = 0 }},
		{"zero breaker timeout", func(s *Settings) { s.CircuitBreaker.TimeoutSeconds = 0 }},
		{"negative token leeway", func(s *Settings) { s.Token.RefreshLeewaySeconds = -1 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := Default()
			tc.mutate(&s)
			if err := Validate(s); err == nil {
				t.Fatal("Validate() = nil, want error")
			}
		})
	}
}

func TestDurationHelpersConvertUnits(t *testing.T) {
	s := Default()
	s.Library.SyncCooldownMinutes = 5
	s.Queue.CheckIntervalSeconds = 5
	s.Status.CheckIntervalSeconds = 10
	s.Status.StaleThresholdHours = 12
	s.CircuitBreaker.TimeoutSeconds = 60
	s.Token.RefreshLeewaySeconds = 60

	if got, want := s.SyncCooldown().Minutes(), 5.0; got != want {
		t.Errorf("SyncCooldown() = %v minutes, want %v", got, want)
	}
	if got, want := s.QueueCheckInterval().Seconds(), 5.0; got != want {
		t.Errorf("QueueCheckInterval() = %v seconds, want %v", got, want)
	}
	if got, want := s.StatusCheckInterval().Seconds(), 10.0; got != want {
		t.Errorf("StatusCheckInterval() = %v seconds, want %v", got, want)
	}
	if got, want := s.StaleThreshold().Hours(), 12.0; got != want {
		t.Errorf("StaleThreshold() = %v hours, want %v", got, want)
	}
	if got, want := s.CircuitBreakerTimeout().Seconds(), 60.0; got != want {
		t.Errorf("CircuitBreakerTimeout() = %v seconds, want %v", got, want)
	}
	if got, want := s.TokenRefreshLeeway().Seconds(), 60.0; got != want {
		t.Errorf("TokenRefreshLeeway() = %v seconds, want %v", got, want)
	}
}
