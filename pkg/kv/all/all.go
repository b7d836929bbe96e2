// Package all registers every kv backend. Import it for side effects:
//
//	import _ "github.com/leafsii/keyv/pkg/kv/all"
package all

import (
	_ "github.com/leafsii/keyv/pkg/kv/dynamo"
	_ "github.com/leafsii/keyv/pkg/kv/memory"
	_ "github.com/leafsii/keyv/pkg/kv/mongo"
	_ "github.com/leafsii/keyv/pkg/kv/postgres"
	_ "github.com/leafsii/keyv/pkg/kv/redis"
	_ "github.com/leafsii/keyv/pkg/kv/sqlstore"
)
