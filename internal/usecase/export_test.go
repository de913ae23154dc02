package usecase

import "time"

func SetEngineClock(e *RiskEngine, now func() time.Time) { e.now = now }

func SetPriceClock(s *PriceService, now func() time.Time) { s.now = now }
