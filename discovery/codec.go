// SPDX-License-Identifier: LGPL-3.0-or-later

package discovery

import (
	"encoding/json"

	"github.com/deepnet-federation/deepnet-core/transport"
)

// marshalAddress gives a canonical byte form of a transport.Address for
// use as a set-membership dedup key in Node.Merge.
func marshalAddress(a transport.Address) ([]byte, error) {
	return json.Marshal(a)
}
