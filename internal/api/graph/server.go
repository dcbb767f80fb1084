package graph

import (
	"net/http"

	graphql "github.com/graph-gophers/graphql-go"
	"github.com/graph-gophers/graphql-go/relay"
	"github.com/lvdashuaibi/fairdraw/internal/service"
)

// GraphQLServer GraphQL服务
type GraphQLServer struct {
	schema   *graphql.Schema
	handler  *relay.Handler
	resolver *Resolver
}

// 读取GraphQL Schema定义
const schemaString = `
type WeightRule {
  roleId: String!
  bonus: Int!
}

type Entry {
  participantId: String!
  displayName: String!
  joinedAt: String!
  roles: [String!]!
}

type Winner {
  participantId: String!
  displayName: String!
  score: Float!
  digest: String!
  rowIndex: Int!
}

type Entrant {
  participantId: String!
  displayName: String!
  entryCount: Int!
  scores: [Float!]!
}

type AuditReport {
  clientSeed: String!
  totalEntrants: Int!
  totalEntryRows: Int!
  entrants: [Entrant!]!
  winners: [Winner!]!
}

type Giveaway {
  id: ID!
  title: String!
  channelId: String!
  messageId: String!
  baseAmount: Int!
  rules: [WeightRule!]!
  winnerCount: Int!
  createdBy: String!
  createdAt: String!
  closesAt: String!
  status: String!
  serverSeedPublic: String!
  clientSeed: String
  participants: Int!
  totalEntries: Int!
  entries: [Entry!]!
  winners: [Winner!]!
  drawnAt: String
  scheduledAt: String
}

type Setup {
  id: ID!
  name: String!
  title: String!
  guildId: String!
  channelId: String!
  baseAmount: Int!
  durationMinutes: Int!
  winnerCount: Int!
  rules: [WeightRule!]!
  createdAt: String!
}

type JoinResult {
  weight: Int!
  participants: Int!
  totalEntries: Int!
}

input WeightRuleInput {
  roleId: String!
  bonus: Int!
}

input CreateGiveawayInput {
  title: String
  channelId: String!
  baseAmount: Int
  rules: [WeightRuleInput!]
  winnerCount: Int
  durationMinutes: Int
  closesAt: String
  createdBy: String
}

input UpdateGiveawayInput {
  title: String
  messageId: String
  baseAmount: Int
  rules: [WeightRuleInput!]
  winnerCount: Int
  closesAt: String
}

input CreateSetupInput {
  name: String!
  title: String
  guildId: String!
  channelId: String
  baseAmount: Int
  durationMinutes: Int!
  winnerCount: Int
  rules: [WeightRuleInput!]
}

type Query {
  # 查询单个抽奖
  giveaway(id: ID!): Giveaway

  # 查询所有抽奖
  giveaways: [Giveaway!]!

  # 复算开奖报告
  verify(id: ID!): AuditReport!

  # 开奖详情，优先读缓存
  details(id: ID!): AuditReport!

  # 查询服务器的模板
  setups(guildId: String!): [Setup!]!
}

type Mutation {
  createGiveaway(input: CreateGiveawayInput!): Giveaway!
  updateGiveaway(id: ID!, input: UpdateGiveawayInput!): Giveaway!
  joinGiveaway(id: ID!, participantId: String!, displayName: String!, roles: [String!]): JoinResult!
  drawGiveaway(id: ID!): Giveaway!
  deleteGiveaway(id: ID!): Boolean!
  createSetup(input: CreateSetupInput!): Setup!
  deleteSetup(id: ID!): Boolean!
  startFromSetup(guildId: String!, name: String!, channelId: String, createdBy: String): Giveaway!
}

schema {
  query: Query
  mutation: Mutation
}
`

// NewGraphQLServer 创建GraphQL服务
func NewGraphQLServer(svc *service.GiveawayService) *GraphQLServer {
	resolver := NewResolver(svc)

	schema := graphql.MustParseSchema(schemaString, resolver,
		graphql.UseFieldResolvers(),
	)

	return &GraphQLServer{
		schema:   schema,
		handler:  &relay.Handler{Schema: schema},
		resolver: resolver,
	}
}

// Handler GraphQL API端点
func (s *GraphQLServer) Handler() http.Handler {
	return s.handler
}

// Playground GraphQL Playground 页面
func (s *GraphQLServer) Playground(endpoint string) http.Handler {
	page := []byte(playgroundHTML(endpoint))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write(page)
	})
}

func playgroundHTML(endpoint string) string {
	return `
<!DOCTYPE html>
<html>
<head>
  <meta charset=utf-8/>
  <meta name="viewport" content="user-scalable=no, initial-scale=1.0, minimum-scale=1.0, maximum-scale=1.0, minimal-ui">
  <title>Fairdraw GraphQL Playground</title>
  <link rel="stylesheet" href="https://cdn.jsdelivr.net/npm/graphql-playground-react@1.7.22/build/static/css/index.css" />
  <link rel="shortcut icon" href="https://cdn.jsdelivr.net/npm/graphql-playground-react@1.7.22/build/favicon.png" />
  <script src="https://cdn.jsdelivr.net/npm/graphql-playground-react@1.7.22/build/static/js/middleware.js"></script>
</head>
<body>
  <div id="root"></div>
  <script>window.addEventListener('load', function (event) {
      GraphQLPlayground.init(document.getElementById('root'), {
        endpoint: '` + endpoint + `'
      })
    })</script>
</body>
</html>
`
}
