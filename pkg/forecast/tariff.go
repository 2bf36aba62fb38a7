package forecast

import (
	"fmt"
	"time"

	"github.com/raterudder/batteryplan/pkg/types"
)

// tariffs sums the distribution fees of every period containing a time.
type tariffs []types.DistributionTariff

func newTariffs(in []types.DistributionTariff, loc *time.Location) (tariffs, error) {
	out := make(tariffs, len(in))
	for i, t := range in {
		// periods without their own zone follow the device
		if t.Location == "" && t.LocationPtr == nil {
			t.LocationPtr = loc
		}
		if t.Location != "" && t.LocationPtr == nil {
			l, err := time.LoadLocation(t.Location)
			if err != nil {
				return nil, fmt.Errorf("invalid tariff location %q: %w", t.Location, err)
			}
			t.LocationPtr = l
		}
		out[i] = t
	}
	return out, nil
}

func (ts tariffs) at(t time.Time) (float64, error) {
	var sum float64
	for i := range ts {
		ok, err := ts[i].Contains(t)
		if err != nil {
			return 0, err
		}
		if ok {
			sum += ts[i].PerKWH
		}
	}
	return sum, nil
}
