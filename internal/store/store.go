package store

import (
	"context"
	"time"

	"github.com/nova-hosting/controlplane/internal/errkind"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Store wraps the users and servers collections with the CRUD surface
// the rest of the control plane consumes, matching the method-naming
// convention of the relational store this replaced (CreateServer,
// GetServer, ListServers, ...).
type Store struct {
	client   *mongo.Client
	database *mongo.Database
	users    *mongo.Collection
	servers  *mongo.Collection
}

// New connects to uri and opens database, creating the required
// indexes (unique on users.email; unique on each of
// servers.{unique_id,server_name,folder_path}; index on servers.owner_email).
func New(ctx context.Context, uri, database string) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, errkind.Wrap(errkind.ExternalUnavailable, "connecting to mongo", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, errkind.Wrap(errkind.ExternalUnavailable, "pinging mongo", err)
	}

	db := client.Database(database)
	s := &Store{
		client:   client,
		database: db,
		users:    db.Collection("users"),
		servers:  db.Collection("servers"),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.users.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "email", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return errkind.Wrap(errkind.Internal, "creating users.email index", err)
	}

	serverIndexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "unique_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "server_name", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "folder_path", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "owner_email", Value: 1}}},
	}
	if _, err := s.servers.Indexes().CreateMany(ctx, serverIndexes); err != nil {
		return errkind.Wrap(errkind.Internal, "creating servers indexes", err)
	}
	return nil
}

func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// --- Server CRUD ---

func (s *Store) CreateServer(ctx context.Context, server *Server) error {
	server.SchemaVersion = CurrentSchemaVersion
	server.CreatedAt = time.Now().UTC()
	server.UpdatedAt = server.CreatedAt
	_, err := s.servers.InsertOne(ctx, server)
	if mongo.IsDuplicateKeyError(err) {
		return errkind.Wrap(errkind.Conflict, "server already exists", err)
	}
	if err != nil {
		return errkind.Wrap(errkind.ExternalUnavailable, "inserting server", err)
	}
	return nil
}

func (s *Store) GetServer(ctx context.Context, uniqueID string) (*Server, error) {
	var server Server
	err := s.servers.FindOne(ctx, bson.M{"unique_id": uniqueID}).Decode(&server)
	if err == mongo.ErrNoDocuments {
		return nil, errkind.New(errkind.Conflict, "server not found")
	}
	if err != nil {
		return nil, errkind.Wrap(errkind.ExternalUnavailable, "fetching server", err)
	}
	if err := checkSchemaVersion(server.SchemaVersion); err != nil {
		return nil, err
	}
	return &server, nil
}

func (s *Store) GetServerByName(ctx context.Context, serverName string) (*Server, error) {
	var server Server
	err := s.servers.FindOne(ctx, bson.M{"server_name": serverName}).Decode(&server)
	if err == mongo.ErrNoDocuments {
		return nil, errkind.New(errkind.Conflict, "server not found")
	}
	if err != nil {
		return nil, errkind.Wrap(errkind.ExternalUnavailable, "fetching server", err)
	}
	return &server, nil
}

func (s *Store) GetServerByPort(ctx context.Context, port int) (*Server, error) {
	var server Server
	err := s.servers.FindOne(ctx, bson.M{"server_config.port": port}).Decode(&server)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, errkind.Wrap(errkind.ExternalUnavailable, "fetching server by port", err)
	}
	return &server, nil
}

func (s *Store) ListServers(ctx context.Context) ([]*Server, error) {
	cur, err := s.servers.Find(ctx, bson.M{})
	if err != nil {
		return nil, errkind.Wrap(errkind.ExternalUnavailable, "listing servers", err)
	}
	defer cur.Close(ctx)

	var servers []*Server
	if err := cur.All(ctx, &servers); err != nil {
		return nil, errkind.Wrap(errkind.ExternalUnavailable, "decoding servers", err)
	}
	return servers, nil
}

// ListAllocatedPorts returns every port (non-rcon and rcon) currently
// stored on any Server document, online or not — part of the arbiter's
// occupancy set.
func (s *Store) ListAllocatedPorts(ctx context.Context) (ports []int, rconPorts []int, err error) {
	servers, err := s.ListServers(ctx)
	if err != nil {
		return nil, nil, err
	}
	for _, srv := range servers {
		ports = append(ports, srv.Config.Port)
		if srv.Config.RCONPort != 0 {
			rconPorts = append(rconPorts, srv.Config.RCONPort)
		}
	}
	return ports, rconPorts, nil
}

func (s *Store) UpdateServer(ctx context.Context, server *Server) error {
	server.UpdatedAt = time.Now().UTC()
	res, err := s.servers.ReplaceOne(ctx, bson.M{"unique_id": server.UniqueID}, server)
	if err != nil {
		return errkind.Wrap(errkind.ExternalUnavailable, "updating server", err)
	}
	if res.MatchedCount == 0 {
		return errkind.New(errkind.Conflict, "server not found")
	}
	return nil
}

func (s *Store) UpdateServerStatus(ctx context.Context, uniqueID string, status ServerStatus) error {
	_, err := s.servers.UpdateOne(ctx,
		bson.M{"unique_id": uniqueID},
		bson.M{"$set": bson.M{"status": status, "updated_at": time.Now().UTC()}},
	)
	if err != nil {
		return errkind.Wrap(errkind.ExternalUnavailable, "updating server status", err)
	}
	return nil
}

// UpdateServerDNSRecord persists a newly created SRV record's id, used
// both by the lifecycle manager after a successful create and by the
// reconciler when it retries a previously failed DNS publish.
func (s *Store) UpdateServerDNSRecord(ctx context.Context, uniqueID, recordID string) error {
	_, err := s.servers.UpdateOne(ctx,
		bson.M{"unique_id": uniqueID},
		bson.M{"$set": bson.M{"dns_record_id": recordID, "updated_at": time.Now().UTC()}},
	)
	if err != nil {
		return errkind.Wrap(errkind.ExternalUnavailable, "updating server dns record id", err)
	}
	return nil
}

// CountServersByOwner counts a user's non-deleted servers, for the
// per-user maxServers quota check.
func (s *Store) CountServersByOwner(ctx context.Context, ownerEmail string) (int, error) {
	n, err := s.servers.CountDocuments(ctx, bson.M{"owner_email": ownerEmail})
	if err != nil {
		return 0, errkind.Wrap(errkind.ExternalUnavailable, "counting servers by owner", err)
	}
	return int(n), nil
}

func (s *Store) DeleteServer(ctx context.Context, uniqueID string) error {
	res, err := s.servers.DeleteOne(ctx, bson.M{"unique_id": uniqueID})
	if err != nil {
		return errkind.Wrap(errkind.ExternalUnavailable, "deleting server", err)
	}
	if res.DeletedCount == 0 {
		return errkind.New(errkind.Conflict, "server not found")
	}
	return nil
}

// --- User CRUD ---

func (s *Store) CreateUser(ctx context.Context, user *User) error {
	user.SchemaVersion = CurrentSchemaVersion
	if user.MaxServers == 0 {
		user.MaxServers = DefaultMaxServers
	}
	user.CreatedAt = time.Now().UTC()
	user.UpdatedAt = user.CreatedAt
	_, err := s.users.InsertOne(ctx, user)
	if mongo.IsDuplicateKeyError(err) {
		return errkind.Wrap(errkind.Conflict, "user already exists", err)
	}
	if err != nil {
		return errkind.Wrap(errkind.ExternalUnavailable, "inserting user", err)
	}
	return nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	var user User
	err := s.users.FindOne(ctx, bson.M{"email": email}).Decode(&user)
	if err == mongo.ErrNoDocuments {
		return nil, errkind.New(errkind.Conflict, "user not found")
	}
	if err != nil {
		return nil, errkind.Wrap(errkind.ExternalUnavailable, "fetching user", err)
	}
	if err := checkSchemaVersion(user.SchemaVersion); err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]*User, error) {
	cur, err := s.users.Find(ctx, bson.M{"deleted_at": nil})
	if err != nil {
		return nil, errkind.Wrap(errkind.ExternalUnavailable, "listing users", err)
	}
	defer cur.Close(ctx)

	var users []*User
	if err := cur.All(ctx, &users); err != nil {
		return nil, errkind.Wrap(errkind.ExternalUnavailable, "decoding users", err)
	}
	return users, nil
}

// ListOtherReservedRanges returns every reserved-port-range belonging to
// a user other than exceptEmail — part of the arbiter's occupancy set.
func (s *Store) ListOtherReservedRanges(ctx context.Context, exceptEmail string) ([]ReservedRange, error) {
	cur, err := s.users.Find(ctx, bson.M{"email": bson.M{"$ne": exceptEmail}})
	if err != nil {
		return nil, errkind.Wrap(errkind.ExternalUnavailable, "listing users", err)
	}
	defer cur.Close(ctx)

	var users []*User
	if err := cur.All(ctx, &users); err != nil {
		return nil, errkind.Wrap(errkind.ExternalUnavailable, "decoding users", err)
	}

	var ranges []ReservedRange
	for _, u := range users {
		ranges = append(ranges, u.ReservedPortRanges...)
	}
	return ranges, nil
}

func (s *Store) UpdateUser(ctx context.Context, user *User) error {
	user.UpdatedAt = time.Now().UTC()
	res, err := s.users.ReplaceOne(ctx, bson.M{"email": user.Email}, user)
	if err != nil {
		return errkind.Wrap(errkind.ExternalUnavailable, "updating user", err)
	}
	if res.MatchedCount == 0 {
		return errkind.New(errkind.Conflict, "user not found")
	}
	return nil
}

// DeleteUser soft-deletes by setting DeletedAt, per spec's "soft-deleted
// by explicit confirmation" lifecycle.
func (s *Store) DeleteUser(ctx context.Context, email string) error {
	now := time.Now().UTC()
	res, err := s.users.UpdateOne(ctx,
		bson.M{"email": email},
		bson.M{"$set": bson.M{"deleted_at": now, "updated_at": now}},
	)
	if err != nil {
		return errkind.Wrap(errkind.ExternalUnavailable, "soft-deleting user", err)
	}
	if res.MatchedCount == 0 {
		return errkind.New(errkind.Conflict, "user not found")
	}
	return nil
}

func checkSchemaVersion(v int) error {
	if v != 0 && v != CurrentSchemaVersion {
		return errkind.New(errkind.Inconsistent, "document schema_version mismatch")
	}
	return nil
}
